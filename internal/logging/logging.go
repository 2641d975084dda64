// Package logging builds the process-wide structured logger.
//
// Grounded on the teacher's LoggingConfig (level/format pair read from YAML)
// and on jinterlante1206-AleutianLocal's use of log/slog with level-gated
// handlers instead of the bare `log` package.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a slog.Logger from a level string ("debug", "info", "warn",
// "error") and a format ("json" or "text"). Unknown levels default to info;
// unknown formats default to json, matching config.Load's own defaulting.
func New(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
