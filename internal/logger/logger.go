// Package logger wraps log/slog behind a small interface so commands and
// services can inject their own sinks. Interactive commands use the pretty
// handler; everything else logs JSON or plain text.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the logging interface shared across the project.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// New wraps a slog handler in a Logger.
func New(handler slog.Handler) Logger {
	return &slogLogger{l: slog.New(handler)}
}

// Default returns a text logger writing to stderr at info level.
func Default() Logger {
	return New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Nop returns a logger that discards every record.
func Nop() Logger {
	return New(slog.DiscardHandler)
}

// JSON returns a JSON logger for machine consumption.
func JSON(w io.Writer, level slog.Level) Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	}))
}

// Pretty returns a colored line logger for terminals.
func Pretty(w io.Writer, level slog.Level) Logger {
	return New(NewPrettyHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Setup builds a logger from the usual command line knobs. Format is one of
// "pretty", "json", or "text"; anything else falls back to pretty.
func Setup(w io.Writer, level slog.Level, format string) Logger {
	switch strings.ToLower(format) {
	case "json":
		return JSON(w, level)
	case "text":
		return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	default:
		return Pretty(w, level)
	}
}

type loggerKey struct{}

// FromContext retrieves the Logger stored in ctx, or a default logger when
// none is set.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Default()
}

// WithContext stores the logger in the context.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

func (s *slogLogger) WithGroup(name string) Logger {
	return &slogLogger{l: s.l.WithGroup(name)}
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
