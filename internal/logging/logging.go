// Package logging builds the process-wide structured logger each binary
// hands to its subsystems via constructor injection.
package logging

import (
	"log/slog"
	"os"

	"github.com/robustmq/robustmq-sub007/internal/config"
)

// New builds a *slog.Logger from a Logging config: a JSON handler for
// production, a text handler for local dev, writing to stderr either way.
func New(cfg config.Logging) *slog.Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch s {
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

// Bootstrap is the default logger used before a config file has been
// parsed (flag errors, config load failures).
var Bootstrap = slog.New(slog.NewTextHandler(os.Stderr, nil))
