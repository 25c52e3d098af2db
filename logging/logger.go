// Package logging builds the zap loggers shared by the server, transport and
// call packages.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level and output of the process logger.
type Config struct {
	Level       string // "debug", "info", "warn", "error"
	Development bool   // console encoding with stack traces on warn
	OutputPaths []string
}

// New builds a logger from cfg. Production loggers write JSON to stderr,
// development loggers write colored console lines.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.MessageKey = "message"
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// Call-path errors are expected outcomes, not crashes.
	zapCfg.DisableStacktrace = !cfg.Development
	zapCfg.Sampling = nil
	if len(cfg.OutputPaths) > 0 {
		zapCfg.OutputPaths = cfg.OutputPaths
	}

	return zapCfg.Build()
}

// OrNop returns logger, or a no-op logger when logger is nil. Components use it
// so a zero-value option never needs a nil check at call sites.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
