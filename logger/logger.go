package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Logger is the interface for application-wide logging.
// Arguments after msg are alternating keys and values, as in log/slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	// With returns a Logger that adds args to every record.
	With(args ...any) Logger
}

// slogLogger implements Logger on top of a slog.Logger.
type slogLogger struct {
	l *slog.Logger
}

// NewLogger creates a logger writing to cfg.Output in the configured format.
func NewLogger(cfg Config) Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = tint.NewHandler(output, &tint.Options{
			Level:      slogLevel(cfg.Level),
			TimeFormat: time.TimeOnly,
			NoColor:    cfg.NoColor,
		})
	default:
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: slogLevel(cfg.Level)})
	}

	l := slog.New(handler)
	if cfg.AppName != "" {
		l = l.With("app", cfg.AppName)
	}
	if cfg.Environment != "" {
		l = l.With("env", cfg.Environment)
	}
	return &slogLogger{l: l}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &slogLogger{l: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// slogLevel converts our Level to slog.Level
func slogLevel(lvl Level) slog.Level {
	switch lvl {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}
