// internal/utils/logger.go
package utils

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig controls how the process logger is built.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Dir    string // optional; when set logs are also written to Dir/omnet.log
}

// NewLogger builds the process-wide zap logger.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoding := "json"
	if strings.ToLower(cfg.Format) == "console" {
		encoding = "console"
	}

	outputs := []string{"stdout"}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, err
		}
		outputs = append(outputs, filepath.Join(cfg.Dir, "omnet.log"))
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    encoderCfg,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

// MustLogger is NewLogger with a production fallback.
func MustLogger(cfg LogConfig) *zap.Logger {
	logger, err := NewLogger(cfg)
	if err != nil {
		logger, _ = zap.NewProduction()
		logger.Warn("failed to build configured logger, using default", zap.Error(err))
	}
	return logger
}
