package logger

import (
	"log/slog"
	"time"
)

// LogPoll logs one polling pass.
func LogPoll(task string, servers int, duration time.Duration, err error) {
	attrs := []any{
		slog.String("type", "poll"),
		slog.String("task", task),
		slog.Int("servers", servers),
		slog.Duration("took", duration),
	}

	if err != nil {
		slog.Error("Poll failed", append(attrs, slog.Any("error", err))...)
	} else {
		slog.Info("Poll completed", attrs...)
	}
}

// LogQuery logs database operations. Successful queries log at debug to
// keep schema bootstraps quiet.
func LogQuery(query string, duration time.Duration, err error) {
	attrs := []any{
		slog.String("type", "db"),
		slog.String("query", query),
		slog.Duration("took", duration),
	}

	if err != nil {
		slog.Error("Query failed", append(attrs, slog.Any("error", err))...)
	} else {
		slog.Debug("Query executed", attrs...)
	}
}

// LogSystem logs system events.
func LogSystem(msg string, attrs ...any) {
	baseAttrs := []any{slog.String("type", "sys")}
	slog.Info(msg, append(baseAttrs, attrs...)...)
}

// LogError logs error events.
func LogError(msg string, err error, attrs ...any) {
	baseAttrs := []any{
		slog.String("type", "error"),
		slog.Any("error", err),
	}
	slog.Error(msg, append(baseAttrs, attrs...)...)
}
