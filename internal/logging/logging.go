package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
)

// ParseLevel accepts "debug", "info", "warn", "error" (case-insensitive).
// Defaults to info if the level string is unrecognized.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup creates a configured *slog.Logger, sets it as the default, and returns it.
func Setup(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// Component tags a logger with the subsystem that owns it.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// CronLogger adapts slog to the cron scheduler's logger. Routine scheduler
// chatter goes to debug.
func CronLogger(logger *slog.Logger) cron.Logger {
	return cronLogger{logger: logger}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
