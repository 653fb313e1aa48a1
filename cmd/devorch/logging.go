package main

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger writes JSON logs to path, and to stderr too when console is set.
// The returned level can be changed at runtime.
func newLogger(level, path string, console bool) (*zap.Logger, zap.AtomicLevel) {
	atom, err := zap.ParseAtomicLevel(level)
	if err != nil {
		atom = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewProductionConfig()
	config.Level = atom
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = nil
	config.ErrorOutputPaths = []string{"stderr"}
	if path != "" && os.MkdirAll(filepath.Dir(path), 0o755) == nil {
		config.OutputPaths = append(config.OutputPaths, path)
	}
	if console || len(config.OutputPaths) == 0 {
		config.OutputPaths = append(config.OutputPaths, "stderr")
	}

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger, atom
}
