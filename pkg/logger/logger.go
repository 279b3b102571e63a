// Package logger builds the process-wide slog logger. Every component
// receives it by injection; the default logger is set too so that stray
// library logging lands in the same stream.
package logger

import (
	"log/slog"
	"os"
)

// Setup returns a logger tuned for the environment: JSON at info level in
// production, human-readable text at debug level everywhere else. It also
// installs the logger as the slog default.
func Setup(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}
