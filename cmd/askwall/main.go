package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sujalbistaa/askwall/internal/admin"
	"github.com/sujalbistaa/askwall/internal/cleanup"
	"github.com/sujalbistaa/askwall/internal/cli"
	"github.com/sujalbistaa/askwall/internal/config"
	"github.com/sujalbistaa/askwall/internal/device"
	"github.com/sujalbistaa/askwall/internal/kv"
	"github.com/sujalbistaa/askwall/internal/live"
	"github.com/sujalbistaa/askwall/internal/logger"
	"github.com/sujalbistaa/askwall/internal/ratelimit"
	"github.com/sujalbistaa/askwall/internal/room"
	"github.com/sujalbistaa/askwall/internal/store"
	"github.com/sujalbistaa/askwall/internal/store/remote"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "askwall:", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := cli.ParseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}

	_ = godotenv.Load()
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}

	// The terminal is the UI, so logs go to a file or nowhere.
	var logOut io.Writer = io.Discard
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	log := logger.Init(logConfig(cfg, flags.Verbose, logOut))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Device state
	statePath := firstNonEmpty(flags.StateFile, cfg.Client.StateFile, cli.DefaultStateFile())
	state := kv.NewFile(statePath)
	deviceID := device.Identity(state, log)
	limits := ratelimit.NewSet(state, cfg.Limits.Presets(), ratelimit.WithLogger(log.With("component", "ratelimit")))

	// 2. Store
	var (
		tree    store.Store
		cleaner cli.Cleaner
	)
	if flags.Offline {
		t := store.NewTree()
		defer t.Close()
		tree = t
		cleaner = cli.LocalCleaner{Collector: cleanup.NewCollector(t, cfg.Cleanup.Threshold, cleanup.WithLogger(log))}
	} else {
		c, err := remote.New(firstNonEmpty(flags.Server, cfg.Client.ServerURL), remote.WithLogger(log.With("component", "remote")))
		if err != nil {
			return err
		}
		defer c.Close()
		tree = c
		cleaner = c
	}

	voteMode, _ := live.ParseVoteMode(cfg.Client.VoteMode)
	app := cli.New(cli.Options{
		Store:        tree,
		Rooms:        room.NewResolver(state, limits.RoomCreate, log),
		Limits:       limits,
		Admin:        admin.NewGate(cfg.Admin.Secret, kv.NewMemory()),
		Cleaner:      cleaner,
		DeviceID:     deviceID,
		VoteMode:     voteMode,
		MaxQuestions: cfg.Client.MaxQuestions,
		Logger:       log,
	}, os.Stdout)
	defer app.Close()

	// 3. Initial room, from a link or the config, without the create limit
	rooms := room.NewResolver(state, nil, log)
	start := rooms.Resolve(cli.RoomFromLink(firstNonEmpty(flags.Room, cfg.Client.Room)))
	log.Info("client starting", "device", deviceID, "room", start, "offline", flags.Offline, "vote_mode", voteMode)
	if err := app.Open(ctx, start); err != nil {
		return err
	}
	return app.Run(ctx, os.Stdin)
}

func logConfig(cfg *config.Config, verbose bool, out io.Writer) logger.Config {
	level := logger.ParseLevel(cfg.Log.Level)
	if verbose {
		level = slog.LevelDebug
	}
	return logger.Config{
		Service:   "askwall",
		Env:       logger.ParseEnv(cfg.Env),
		Backend:   logger.Backend(cfg.Log.Backend),
		Level:     level,
		AddSource: cfg.Log.AddSource,
		Output:    out,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
