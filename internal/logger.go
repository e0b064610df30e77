package internal

import (
	"os"
	"strings"

	"go.elastic.co/ecszap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds an ECS-formatted zap logger at the given level and
// installs it as the global logger. "DEVELOPMENT" maps to debug.
func InitLogger(logLevel string) *zap.Logger {
	var level zapcore.Level
	switch strings.ToUpper(logLevel) {
	case "DEVELOPMENT", "DEBUG":
		level = zap.DebugLevel
	case "INFO", "PRODUCTION":
		level = zap.InfoLevel
	case "WARN":
		level = zap.WarnLevel
	case "ERROR":
		level = zap.ErrorLevel
	default:
		level = zap.InfoLevel
	}

	encoderConfig := ecszap.NewDefaultEncoderConfig()
	core := ecszap.NewCore(encoderConfig, os.Stdout, level)
	logger := zap.New(core, zap.AddCaller())
	zap.ReplaceGlobals(logger)
	return logger
}
