// Package logger builds the process-wide slog.Logger: a text handler for
// development and zap underneath slog for stage and prod.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Backend string

const (
	BackendStd Backend = "std" // text in dev, JSON otherwise
	BackendZap Backend = "zap" // slog-zap
)

type Env string

const (
	EnvDev   Env = "dev"
	EnvStage Env = "stage"
	EnvProd  Env = "prod"
)

type Config struct {
	Service    string
	Version    string
	InstanceID string

	Level     slog.Level
	Env       Env
	Backend   Backend // default: zap for stage/prod, std for dev
	AddSource bool

	// Output defaults to stdout.
	Output io.Writer

	// zap sampling per second
	SampleInitial    int
	SampleThereafter int
}

// DetectEnv reads APP_ENV.
func DetectEnv() Env {
	return ParseEnv(os.Getenv("APP_ENV"))
}

func ParseEnv(raw string) Env {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production":
		return EnvProd
	case "stage", "staging", "preprod", "pre-production":
		return EnvStage
	default:
		return EnvDev
	}
}

// ParseLevel accepts debug, info, warn and error. Anything else is info.
func ParseLevel(raw string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// New builds a logger from cfg, filling in defaults.
func New(cfg Config) *slog.Logger {
	if cfg.Env == "" {
		cfg.Env = DetectEnv()
	}
	if cfg.Service == "" {
		cfg.Service = "askwall"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	cfg.InstanceID = ensureInstanceID(cfg.InstanceID)

	if cfg.Backend == "" {
		if cfg.Env == EnvDev {
			cfg.Backend = BackendStd
		} else {
			cfg.Backend = BackendZap
		}
	}

	var h slog.Handler
	switch cfg.Backend {
	case BackendZap:
		h = newZapHandler(cfg)
	default:
		h = newStdHandler(cfg)
	}

	return slog.New(h.WithAttrs(commonAttrs(cfg)))
}

// Init builds the logger and installs it as slog's default.
func Init(cfg Config) *slog.Logger {
	l := New(cfg)
	slog.SetDefault(l)
	return l
}

func ensureInstanceID(v string) string {
	if v != "" {
		return v
	}
	hn, _ := os.Hostname()
	return hn + "-" + uuid.New().String()[:8]
}

func commonAttrs(cfg Config) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("service", cfg.Service),
		slog.String("env", string(cfg.Env)),
		slog.String("instance_id", cfg.InstanceID),
		slog.Time("started_at", time.Now()),
	}
	if cfg.Version != "" {
		attrs = append(attrs, slog.String("version", cfg.Version))
	}
	return attrs
}
