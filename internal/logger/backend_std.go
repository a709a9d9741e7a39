package logger

import (
	"log/slog"
)

func newStdHandler(cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}
	if cfg.Env == EnvDev {
		return slog.NewTextHandler(cfg.Output, opts)
	}
	return slog.NewJSONHandler(cfg.Output, opts)
}
