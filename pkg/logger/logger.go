// Package logger owns the process-wide zap instance. It starts as a nop so
// code paths that log before configuration (tests, early bootstrap) stay
// quiet instead of panicking.
package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	global = zap.NewNop()
)

// Init replaces the global logger with a production JSON logger at the given
// level. Unknown level strings fall back to info.
func Init(level string) error {
	parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	built, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}

	mu.Lock()
	global = built
	mu.Unlock()
	return nil
}

// WithModule returns a child logger tagged with the owning subsystem, for
// example "auth", "realtime", or "http".
func WithModule(module string) *zap.Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	return l.With(zap.String("module", module))
}

// Sync flushes buffered entries. Safe on the nop logger.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return global.Sync()
}
