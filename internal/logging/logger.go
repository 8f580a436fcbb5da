// Package logging holds the process-wide zap logger. Components log
// through the package-level helpers; main replaces the logger once the
// configured level is known.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global = func() *zap.Logger {
	l, _ := zap.NewProduction()
	return l
}()

var levels = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// New builds a JSON logger at the given level. An empty level means info;
// an unknown level is an error.
func New(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		l, ok := levels[level]
		if !ok {
			return nil, fmt.Errorf("unknown log level %q", level)
		}
		lvl = l
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// The package-level helpers add one frame.
	return cfg.Build(zap.AddCallerSkip(1))
}

// Global returns the current process-wide logger.
func Global() *zap.Logger {
	return global
}

// SetGlobal replaces the process-wide logger. Called once at startup,
// before any goroutines log.
func SetGlobal(l *zap.Logger) {
	global = l
}

// With returns a child logger carrying the given fields.
func With(fields ...zap.Field) *zap.Logger {
	return global.With(fields...)
}

// Sync flushes buffered entries. Called on shutdown.
func Sync() {
	global.Sync()
}

func Debug(msg string, fields ...zap.Field) { global.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { global.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { global.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { global.Error(msg, fields...) }
