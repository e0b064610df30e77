package helper

import (
	"github.com/fhirgrid/fhirstore/internal"
)

func InitLogging() {
	logLevel, _ := internal.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = internal.InitLogger(logLevel)
}

func InitTestLogging() {
	_ = internal.InitLogger("DEVELOPMENT")
}
