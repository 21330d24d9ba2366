package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development mode switches to the console
// encoder with caller and stacktrace annotations.
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Named("mercury"), nil
}

// Printf adapts a zap logger to the printf-style hooks browser drivers expect.
func Printf(logger *zap.Logger) func(string, ...interface{}) {
	sugar := logger.Sugar()
	return func(format string, args ...interface{}) {
		sugar.Debugf(format, args...)
	}
}

// Errorf is the error-level counterpart of Printf.
func Errorf(logger *zap.Logger) func(string, ...interface{}) {
	sugar := logger.Sugar()
	return func(format string, args ...interface{}) {
		sugar.Errorf(format, args...)
	}
}
