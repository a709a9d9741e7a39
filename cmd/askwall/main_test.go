package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sujalbistaa/askwall/internal/config"
	"github.com/sujalbistaa/askwall/internal/logger"
)

func TestLogConfig(t *testing.T) {
	cfg := &config.Config{Env: "prod"}
	cfg.Log.Level = "warn"
	cfg.Log.Backend = "zap"
	cfg.Log.AddSource = true

	got := logConfig(cfg, false, io.Discard)
	assert.True(t, got.AddSource)
	assert.Equal(t, slog.LevelWarn, got.Level)
	assert.Equal(t, logger.EnvProd, got.Env)
	assert.Equal(t, logger.Backend("zap"), got.Backend)
	assert.Equal(t, io.Discard, got.Output)

	assert.Equal(t, slog.LevelDebug, logConfig(cfg, true, io.Discard).Level)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}
