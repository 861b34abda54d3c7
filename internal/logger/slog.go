package logger

import (
	"log/slog"
	"os"
)

// New builds the process-wide structured logger: JSON to stdout at the
// given level, matching the handler this module used when it still ran
// behind a desktop shell.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}
