package logger

import (
	"log/slog"
	"os"
)

// New constructs a text slog logger tagged with the service name.
func New(service string, level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", service)
}
