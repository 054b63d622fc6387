package telemetry

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide structured logger. format selects the
// slog handler ("json" for production, anything else falls back to text for
// local development); level parses as a standard slog level name and
// defaults to info on a bad value.
func NewLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
