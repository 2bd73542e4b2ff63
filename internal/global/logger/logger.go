package logger

import (
	"os"

	"gitlab.com/vmfleet.net/internal/adapter/logging"
)

// Logger is the process-wide default used where no logger is injected.
var Logger = logging.NewZapLogger(os.Getenv("LOG_LEVEL"))

func Info(msg string, args ...interface{}) {
	Logger.Info(msg, args...)
}

func Error(msg string, args ...interface{}) {
	Logger.Error(msg, args...)
}

func Debug(msg string, args ...interface{}) {
	Logger.Debug(msg, args...)
}

func Warn(msg string, args ...interface{}) {
	Logger.Warn(msg, args...)
}
