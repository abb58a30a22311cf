package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"log/slog"

	"github.com/caravel-sh/caravel/internal/config"
	"github.com/caravel-sh/caravel/internal/engine"
	"github.com/caravel-sh/caravel/internal/httpapi"
	"github.com/caravel-sh/caravel/internal/logger"
	"github.com/caravel-sh/caravel/internal/proxy"
	"github.com/caravel-sh/caravel/internal/store"
	"github.com/caravel-sh/caravel/internal/supervisor"
	"github.com/caravel-sh/caravel/internal/vcs"
	"github.com/caravel-sh/caravel/internal/webhook"
	"github.com/caravel-sh/caravel/internal/ws"
)

func main() {
	cfg := config.Load()

	level := slog.LevelInfo
	if cfg.Environment == "development" {
		level = slog.LevelDebug
	}
	log := logger.New("caravel", level)

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	registry, err := store.NewRegistry(filepath.Join(cfg.DataDir, "apps.json"))
	if err != nil {
		return err
	}
	ports, err := store.NewPortLedger(filepath.Join(cfg.DataDir, "ports.json"), cfg.BasePort)
	if err != nil {
		return err
	}
	settings, err := store.NewSettingsStore(
		filepath.Join(cfg.DataDir, "settings.json"),
		filepath.Join(cfg.DataDir, "webhook_secret"),
	)
	if err != nil {
		return err
	}
	buildLogs, err := store.NewBuildLogs(cfg.LogsDir)
	if err != nil {
		return err
	}

	reloader, err := newReloader(cfg, log)
	if err != nil {
		return err
	}
	defer reloader.Close()
	publisher := proxy.NewPublisher(registry, cfg.ProxyFragmentPath, reloader, log)

	hub := ws.NewHub()
	eng := engine.New(
		registry,
		ports,
		settings,
		buildLogs,
		vcs.Git{},
		&engine.ShellRunner{Grace: cfg.CancelGrace},
		supervisor.NewPM2(cfg.SupervisorBin),
		publisher,
		hub,
		log,
		engine.Options{
			AppsDir:      cfg.AppsDir,
			GitTimeout:   cfg.GitTimeout,
			BuildTimeout: cfg.BuildTimeout,
		},
	)
	eng.ReconcileStartup(ctx)

	webhookSvc := webhook.New(registry, settings, eng, log)

	var limiter httpapi.RateLimiter
	if cfg.RateLimitRedisAddr != "" {
		limiter, err = httpapi.NewRedisRateLimiter(cfg.RateLimitRedisAddr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable; falling back to memory", "error", err)
			limiter = httpapi.NewMemoryRateLimiter()
		}
	} else {
		limiter = httpapi.NewMemoryRateLimiter()
	}

	router := httpapi.NewRouter(log, registry, ports, settings, buildLogs, eng, webhookSvc, publisher, hub, limiter)
	defer router.Close()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.Addr, "env", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func newReloader(cfg config.Config, log *slog.Logger) (proxy.Reloader, error) {
	if cfg.ProxyContainerName != "" {
		reloader, err := proxy.NewDockerReloader(cfg.ProxyContainerName)
		if err == nil {
			return reloader, nil
		}
		log.Warn("docker reloader unavailable; using reload command", "error", err)
	}
	return proxy.NewCommandReloader(cfg.ProxyReloadCommand)
}
