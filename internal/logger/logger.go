package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func levelFromEnv() string {
	if v := os.Getenv("QRPAY_LOG_LEVEL"); v != "" {
		return v
	}
	return "info"
}

// NewLogger builds the process-wide JSON logger. The level can be raised via
// the QRPAY_LOG_LEVEL env var (debug, info, warn, error).
func NewLogger() (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stdout"}
	cfg.Sampling = nil

	if lvl, err := zapcore.ParseLevel(levelFromEnv()); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
