package logger

import (
	"context"
	"sync"
)

// LoggerContext accumulates attributes over the course of an operation so
// that later log lines carry everything learned earlier without re-threading
// the values through every call.
type LoggerContext struct {
	mu    sync.Mutex
	base  *Logger
	attrs []any
}

// NewLoggerContext wraps the given logger.
func NewLoggerContext(l *Logger) *LoggerContext {
	return &LoggerContext{base: l}
}

// Add appends key/value pairs to every subsequent record.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.attrs = append(lc.attrs, args...)
}

func (lc *LoggerContext) current() *Logger {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.attrs) == 0 {
		return lc.base
	}
	return lc.base.With(lc.attrs...)
}

// Logger returns a Logger carrying every attribute added so far.
func (lc *LoggerContext) Logger() *Logger { return lc.current() }

// Debug logs at LevelDebug.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.current().write(ctx, LevelDebug, 3, msg, args...)
}

// Info logs at LevelInfo.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.current().write(ctx, LevelInfo, 3, msg, args...)
}

// Warn logs at LevelWarn.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.current().write(ctx, LevelWarn, 3, msg, args...)
}

// Error logs at LevelError.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.current().write(ctx, LevelError, 3, msg, args...)
}
