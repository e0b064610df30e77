package internal

import (
	"fmt"
	"os"
	"strconv"
)

// GetAsString returns the value of the environment variable as a string.
// If the variable is not set and not required, the fallback is returned.
func GetAsString(key string, required bool, fallback string) (string, error) {
	value, set := os.LookupEnv(key)
	if !set {
		if !required {
			return fallback, nil
		}
		return "", fmt.Errorf("environment variable %s is required but not set", key)
	}
	return value, nil
}

// GetAsInt returns the value of the environment variable as an int.
// If the variable is not set and not required, the fallback is returned.
func GetAsInt(key string, required bool, fallback int) (int, error) {
	value, set := os.LookupEnv(key)
	if !set {
		if !required {
			return fallback, nil
		}
		return 0, fmt.Errorf("environment variable %s is required but not set", key)
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback, fmt.Errorf("environment variable %s is not an integer. using fallback value", key)
	}
	return i, nil
}

// GetAsBool returns the value of the environment variable as a bool.
// If the variable is not set and not required, the fallback is returned.
func GetAsBool(key string, required bool, fallback bool) (bool, error) {
	value, set := os.LookupEnv(key)
	if !set {
		if !required {
			return fallback, nil
		}
		return false, fmt.Errorf("environment variable %s is required but not set", key)
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback, fmt.Errorf("environment variable %s is not a boolean. using fallback value", key)
	}
	return b, nil
}
