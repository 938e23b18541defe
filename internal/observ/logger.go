package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "notekeeper"

// NewLogger creates a structured logger for the given environment. Production
// gets JSON output with sampling; anything else gets a colored console encoder.
// An unparsable level falls back to info.
func NewLogger(env, level string) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("service", serviceName), zap.String("env", env)), nil
}
