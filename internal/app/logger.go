package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Deployments set LOG_FORMAT=json;
// the text handler is for local runs.
func NewLogger(cfg *Config) *slog.Logger {
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
}
