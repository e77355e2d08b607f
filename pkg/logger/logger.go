package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger for the given level. Format "console" selects the
// development encoder; anything else logs JSON.
func New(level string, format ...string) *zap.Logger {
	var cfg zap.Config
	if len(format) > 0 && strings.EqualFold(format[0], "console") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// NopSugared is the default logger for components built without one
func NopSugared() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
