package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/sujalbistaa/askwall/internal/cleanup"
	"github.com/sujalbistaa/askwall/internal/config"
	"github.com/sujalbistaa/askwall/internal/db"
	routes "github.com/sujalbistaa/askwall/internal/http"
	"github.com/sujalbistaa/askwall/internal/logger"
	"github.com/sujalbistaa/askwall/internal/store"
	"github.com/sujalbistaa/askwall/internal/store/sqlstore"
	"github.com/sujalbistaa/askwall/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// Running without a .env file is normal in production.
	envErr := godotenv.Load()

	cfg := config.MustLoad(*configPath)

	log := logger.Init(logger.Config{
		Service:   "askwall-server",
		Env:       logger.ParseEnv(cfg.Env),
		Backend:   logger.Backend(cfg.Log.Backend),
		Level:     logger.ParseLevel(cfg.Log.Level),
		AddSource: cfg.Log.AddSource,
	})
	if envErr != nil {
		log.Debug("no .env file found, reading from environment")
	}
	if cfg.Admin.Token == "" {
		log.Warn("X_ADMIN_TOKEN is not set, the admin API is disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Storage
	tree, closeStore, err := openStore(cfg, log)
	if err != nil {
		log.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	// 2. WebSocket hub
	hub := ws.NewHub()
	wsServer := ws.NewServer(hub, tree, log.With("component", "ws"), cfg.HTTP.PingInterval)

	// 3. Router
	if logger.ParseEnv(cfg.Env) != logger.EnvDev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	env := &routes.Env{
		Store:      tree,
		Hub:        hub,
		Collector:  cleanup.NewCollector(tree, cfg.Cleanup.Threshold, cleanup.WithLogger(log.With("component", "cleanup"))),
		AdminToken: cfg.Admin.Token,
		Log:        log.With("component", "http"),
	}
	routes.SetupRoutes(ctx, router, env, wsServer, routes.RouteConfig{
		CORSOrigin:   cfg.HTTP.CORSOrigin,
		WriteRPS:     cfg.Throttle.RPS,
		WriteBurst:   cfg.Throttle.Burst,
		SweepEvery:   cfg.Throttle.SweepInterval,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	})

	// 4. Serve with graceful shutdown
	srv := &http.Server{
		Addr:    cfg.HTTP.Addr(),
		Handler: router,
	}

	go func() {
		log.Info("server listening", "addr", srv.Addr, "stale_threshold", cfg.Cleanup.Threshold)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not closed by Shutdown.
	hub.CloseAll("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "err", err)
	}

	log.Info("server exiting")
}

type closableStore interface {
	store.Store
	Close() error
}

func openStore(cfg *config.Config, log *slog.Logger) (closableStore, func(), error) {
	kind, err := config.StorageKind(cfg.DB.URL)
	if err != nil {
		return nil, nil, err
	}
	if kind == "memory" {
		log.Warn("using an in-memory tree, data is lost on restart")
		t := store.NewTree()
		return t, func() { _ = t.Close() }, nil
	}

	database, err := db.Init(cfg.DB.URL, log.With("component", "db"), logger.ParseLevel(cfg.Log.Level) == slog.LevelDebug)
	if err != nil {
		return nil, nil, err
	}
	s, err := sqlstore.New(database, log.With("component", "sqlstore"))
	if err != nil {
		_ = db.Close(database)
		return nil, nil, err
	}
	return s, func() {
		_ = s.Close()
		if err := db.Close(database); err != nil {
			log.Warn("closing database failed", "err", err)
		}
	}, nil
}
