// Package utils provides shared utilities for math and logging.
package utils

import "go.uber.org/zap"

// NewLogger returns a zap logger. When debug is true, uses development config
// (human-readable, debug level); otherwise uses production config (JSON, info level).
// Both configurations write to stderr, which keeps worker stdout free for task frames.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// NewNamedLogger returns NewLogger(debug) scoped to name, falling back to a
// no-op logger when construction fails.
func NewNamedLogger(name string, debug bool) *zap.Logger {
	logger, err := NewLogger(debug)
	if err != nil {
		return zap.NewNop()
	}
	return logger.Named(name)
}
