// Package obslog provides the structured logger used throughout roomsync.
package obslog

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dukepan/roomsync/internal/contextkey"
	"github.com/google/uuid"
)

// Logger wraps a slog.Logger, enriching it with roomsync's own context
// values on every call.
type Logger struct {
	slog *slog.Logger
}

// New creates a structured logger. logLevel is parsed via slog.Level's
// UnmarshalText; an unparseable or empty level defaults to info.
func New(logLevel string) *Logger {
	level := new(slog.Level)
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		*level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	})

	return &Logger{slog: slog.New(handler)}
}

// WithContext returns a child logger carrying the room name, role, and
// request id found in ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *slog.Logger {
	handler := l.slog.Handler()

	if name, ok := ctx.Value(contextkey.KeyRoomName).(string); ok && name != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("room", name)})
	}
	if role, ok := ctx.Value(contextkey.KeyRole).(string); ok && role != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("role", role)})
	}
	if reqID, ok := ctx.Value(contextkey.KeyRequestID).(uuid.UUID); ok {
		handler = handler.WithAttrs([]slog.Attr{slog.String("request_id", reqID.String())})
	}

	return slog.New(handler)
}

// Info logs an info message.
func (l *Logger) Info(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Info(fmt.Sprintf(msg, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Warn(fmt.Sprintf(msg, args...))
}

// Error logs an error message.
func (l *Logger) Error(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Error(fmt.Sprintf(msg, args...))
}

// Debug logs a debug message.
func (l *Logger) Debug(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Debug(fmt.Sprintf(msg, args...))
}

// Fatal logs an error message and exits. Reserved for unrecoverable
// startup failures in cmd/roomsyncd.
func (l *Logger) Fatal(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Error(fmt.Sprintf(msg, args...))
	os.Exit(1)
}
