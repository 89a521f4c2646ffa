// Package logging holds the process-wide zap logger.
//
// Init builds it from config; until then L falls back to a production
// logger so packages can log from tests and init code. The level is an
// atomic that SetLevel changes while the daemon runs.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level ("debug", "info", "warn", "error") and the
// encoding ("json" or "console").
type Config struct {
	Level  string
	Format string
}

var (
	mu     sync.RWMutex
	logger *zap.Logger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init replaces the global logger. An unrecognized level means info.
func Init(cfg Config) error {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level

	l, err := zc.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

func parseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// SetLevel changes the level of every logger derived from L.
func SetLevel(s string) error {
	lvl, err := parseLevel(s)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

// Level returns the current level name.
func Level() string {
	return level.Level().String()
}

// Sync flushes buffered entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return nil
	}
	return logger.Sync()
}

// L returns the global logger. Its caller skip is tuned for the
// package-level helpers below.
func L() *zap.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		zc := zap.NewProductionConfig()
		zc.Level = level
		logger, _ = zc.Build(zap.AddCallerSkip(1))
		if logger == nil {
			logger = zap.NewNop()
		}
	}
	return logger
}

// With returns a child logger carrying fields, for use outside this
// package.
func With(fields ...zap.Field) *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(-1)).With(fields...)
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }
