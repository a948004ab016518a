// Package logging provides structured logging with zap.
package logging

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu           sync.Mutex
	globalLogger *zap.Logger
	globalLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init initializes the global logger. A file OutputPath has its parent
// directory created first.
func Init(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if cfg.Format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	globalLevel.SetLevel(level)
	config.Level = globalLevel
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.OutputPath != "" {
		if cfg.OutputPath != "stdout" && cfg.OutputPath != "stderr" {
			if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0755); err != nil {
				return err
			}
		}
		config.OutputPaths = []string{cfg.OutputPath}
		config.ErrorOutputPaths = []string{cfg.OutputPath}
	}

	logger, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}

	Set(logger)
	return nil
}

// Set replaces the global logger.
func Set(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	globalLogger = logger
}

// Sync flushes any buffered log entries.
func Sync() error {
	mu.Lock()
	l := globalLogger
	mu.Unlock()
	if l != nil {
		return l.Sync()
	}
	return nil
}

// L returns the global logger. Until Init or Set is called it is a no-op logger
// so library code never writes to the terminal the CLI draws on.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		globalLogger = zap.NewNop()
	}
	return globalLogger
}

// Named returns a child of the global logger for one component.
func Named(component string) *zap.Logger {
	return L().Named(component)
}
