// Package logging holds the structured logger contract shared by every layer.
package logging

import (
	"context"
	"log/slog"
)

// Logger is the interface for structured logging.
// It is satisfied by *slog.Logger, so applications can pass their own
// configured slog logger or any adapter with the same method set.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// Default returns the default slog logger from the standard library.
func Default() Logger {
	return slog.Default()
}

// Nop returns a logger that drops everything.
func Nop() Logger {
	return slog.New(discardHandler{})
}

// OrDefault returns l, or Default when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return Default()
	}
	return l
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
