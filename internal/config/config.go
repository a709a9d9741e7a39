// Package config loads the settings of both binaries from YAML and the
// environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/sujalbistaa/askwall/internal/live"
	"github.com/sujalbistaa/askwall/internal/ratelimit"
)

// Config is the root configuration.
// Sources, highest priority first:
//  1. the path passed to Load;
//  2. CONFIG_PATH;
//  3. ./local.yaml;
//  4. environment variables only.
//
// Environment variables override values read from a file.
type Config struct {
	Env      string         `yaml:"env" env:"APP_ENV" env-default:"dev"`
	HTTP     HTTPConfig     `yaml:"http"`
	DB       DBConfig       `yaml:"db"`
	Admin    AdminConfig    `yaml:"admin"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
	Client   ClientConfig   `yaml:"client"`
	Limits   LimitsConfig   `yaml:"limits"`
	Log      LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Host            string        `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port            string        `yaml:"port" env:"PORT" env-default:"8080"`
	CORSOrigin      string        `yaml:"cors_origin" env:"CORS_ORIGIN" env-default:"*"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" env-default:"5s"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"WS_PING_INTERVAL" env-default:"15s"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES" env-default:"1048576"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, h.Port)
}

// DBConfig selects the server's tree storage: sqlite://file, postgres://...
// or memory:// for a process-local tree.
type DBConfig struct {
	URL string `yaml:"url" env:"DATABASE_URL" env-default:"sqlite://askwall.db"`
}

type AdminConfig struct {
	// Token guards the server's admin API and non-room writes.
	Token string `yaml:"token" env:"X_ADMIN_TOKEN"`
	// Secret unlocks moderator actions in the client.
	Secret string `yaml:"secret" env:"ASKWALL_ADMIN_SECRET"`
}

// ThrottleConfig is the server's per-address write throttle.
type ThrottleConfig struct {
	RPS           float64       `yaml:"rps" env:"WRITE_RPS" env-default:"5"`
	Burst         int           `yaml:"burst" env:"WRITE_BURST" env-default:"10"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"THROTTLE_SWEEP_INTERVAL" env-default:"10m"`
}

type CleanupConfig struct {
	// Threshold is the idle time after which a room is stale.
	Threshold time.Duration `yaml:"threshold" env:"STALE_THRESHOLD" env-default:"240h"`
}

type ClientConfig struct {
	ServerURL string `yaml:"server_url" env:"ASKWALL_SERVER" env-default:"http://localhost:8080"`
	// StateFile keeps the device id, rate-limit logs and recent rooms.
	StateFile    string `yaml:"state_file" env:"ASKWALL_STATE_FILE"`
	Room         string `yaml:"room" env:"ASKWALL_ROOM"`
	MaxQuestions int    `yaml:"max_questions" env:"ASKWALL_MAX_QUESTIONS" env-default:"100"`
	VoteMode     string `yaml:"vote_mode" env:"ASKWALL_VOTE_MODE" env-default:"transactional"`
}

// LimitConfig is one rate-limit category. Zero fields fall back to the
// category's default.
type LimitConfig struct {
	Max    int           `yaml:"max" env:"MAX"`
	Window time.Duration `yaml:"window" env:"WINDOW"`
}

type LimitsConfig struct {
	Submit     LimitConfig `yaml:"submit" env-prefix:"LIMIT_SUBMIT_"`
	RoomCreate LimitConfig `yaml:"room_create" env-prefix:"LIMIT_ROOM_CREATE_"`
	Vote       LimitConfig `yaml:"vote" env-prefix:"LIMIT_VOTE_"`
	Reply      LimitConfig `yaml:"reply" env-prefix:"LIMIT_REPLY_"`
	SelfDelete LimitConfig `yaml:"self_delete" env-prefix:"LIMIT_SELF_DELETE_"`
}

// Presets merges the configured limits over the defaults.
func (l LimitsConfig) Presets() ratelimit.Presets {
	def := ratelimit.DefaultPresets()
	merge := func(c LimitConfig, p ratelimit.Preset) ratelimit.Preset {
		if c.Max > 0 {
			p.Max = c.Max
		}
		if c.Window > 0 {
			p.Window = c.Window
		}
		return p
	}
	return ratelimit.Presets{
		Submit:     merge(l.Submit, def.Submit),
		RoomCreate: merge(l.RoomCreate, def.RoomCreate),
		Vote:       merge(l.Vote, def.Vote),
		Reply:      merge(l.Reply, def.Reply),
		SelfDelete: merge(l.SelfDelete, def.SelfDelete),
	}
}

type LogConfig struct {
	Level     string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Backend   string `yaml:"backend" env:"LOG_BACKEND"`
	AddSource bool   `yaml:"add_source" env:"LOG_ADD_SOURCE"`
	// File redirects the log; the terminal client uses it to keep the
	// screen clean.
	File string `yaml:"file" env:"LOG_FILE"`
}

// MustLoad is Load that panics.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration by the priority documented on Config.
func Load(path string) (*Config, error) {
	var cfg Config

	read := func(p string) error {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file does not exist: %s", p)
		}
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return fmt.Errorf("failed to read config %s: %w", p, err)
		}
		return nil
	}

	var err error
	switch {
	case path != "":
		err = read(path)
	case os.Getenv("CONFIG_PATH") != "":
		err = read(os.Getenv("CONFIG_PATH"))
	default:
		if _, statErr := os.Stat("local.yaml"); statErr == nil {
			err = read("local.yaml")
		} else if envErr := cleanenv.ReadEnv(&cfg); envErr != nil {
			err = fmt.Errorf("failed to read environment: %w", envErr)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the tags cannot express.
func (c *Config) Validate() error {
	if _, err := StorageKind(c.DB.URL); err != nil {
		return err
	}
	if c.Throttle.RPS <= 0 || c.Throttle.Burst <= 0 {
		return fmt.Errorf("throttle.rps and throttle.burst must be > 0")
	}
	if c.Cleanup.Threshold <= 0 {
		return fmt.Errorf("cleanup.threshold must be > 0 (got %s)", c.Cleanup.Threshold)
	}
	if c.Client.MaxQuestions <= 0 {
		return fmt.Errorf("client.max_questions must be > 0 (got %d)", c.Client.MaxQuestions)
	}
	if _, ok := live.ParseVoteMode(c.Client.VoteMode); !ok {
		return fmt.Errorf("client.vote_mode must be transactional or multipath (got %q)", c.Client.VoteMode)
	}
	return c.Limits.Presets().Validate()
}

// StorageKind returns "sqlite", "postgres" or "memory" for a DATABASE_URL.
func StorageKind(url string) (string, error) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite", nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres", nil
	case url == "memory://":
		return "memory", nil
	}
	return "", fmt.Errorf("db.url must start with sqlite://, postgres:// or be memory:// (got %q)", url)
}
