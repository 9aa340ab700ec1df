package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"entgo.io/ent/dialect"
	"github.com/jellyswarrm/jellyswarrm/api"
	"github.com/jellyswarrm/jellyswarrm/api/handler"
	"github.com/jellyswarrm/jellyswarrm/backend"
	"github.com/jellyswarrm/jellyswarrm/config"
	"github.com/jellyswarrm/jellyswarrm/ent/migrate"
	"github.com/jellyswarrm/jellyswarrm/metrics"
	"github.com/jellyswarrm/jellyswarrm/playsession"
	"github.com/jellyswarrm/jellyswarrm/registry"

	"github.com/jellyswarrm/jellyswarrm/ent"
	_ "github.com/lib/pq"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	client, err := ent.Open(dialect.Postgres, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database connection", "error", err)
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	if err := client.Schema.Create(
		context.Background(),
		migrate.WithGlobalUniqueID(true),
	); err != nil {
		slog.Error("failed to run schema migration", "error", err)
		os.Exit(1)
	}

	api.SeedInitialAdmin(context.Background(), client, cfg)

	pool := backend.NewPool(client, cfg)

	// Start background health checker so fan-out requests skip offline backends.
	hc := backend.NewHealthChecker(pool, cfg.HealthCheckInterval)
	pool.SetHealthChecker(hc)
	hc.Start(context.Background())

	// Server Registry adds priority-ordered listing and persisted health
	// history on top of the health checker's in-memory availability map.
	reg := registry.New(client, cfg.HealthCheckInterval)
	pool.SetRegistry(reg)
	reg.Start(context.Background())

	m := metrics.New()
	pool.SetMetrics(m)

	wsHub := handler.NewWSHub()
	tracker := playsession.New()
	h, stopLimiter := api.NewRouter(client, cfg, pool, wsHub, tracker, m)

	// Periodically publish the Play-Session Tracker's size to the
	// active-streams gauge.
	gaugeCtx, stopGauge := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gaugeCtx.Done():
				return
			case <-ticker.C:
				m.SetActiveStreams(tracker.Len())
			}
		}
	}()

	// Start periodic session cleanup.
	sessionCleaner := api.NewSessionCleaner(client, cfg)
	sessionCleaner.Start(context.Background())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	// Start server in a goroutine so we can listen for shutdown signals.
	go func() {
		slog.Info("jellyfin proxy listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt or SIGTERM (e.g. from container orchestration).
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	wsHub.Shutdown()
	hc.Stop()
	reg.Stop()
	stopLimiter()
	sessionCleaner.Stop()
	stopGauge()
	tracker.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	slog.Info("server stopped")
}
