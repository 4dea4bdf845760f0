package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-sync/internal/api"
	"collab-sync/internal/config"
	"collab-sync/internal/db"
	"collab-sync/internal/logging"
	"collab-sync/internal/repository"
	"collab-sync/internal/services/relay"
	"collab-sync/internal/telemetry"

	"golang.org/x/sync/errgroup"
)

/*
RELAY SERVER

Startup order: config → logger → tracing → database + persister → hub →
routes. The HTTP server and the shutdown watcher run in one errgroup; a
signal or a listener failure stops both, then the hub closes its sessions
and the persister drains what they wrote.
*/

const serviceName = "collab-sync"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("❌ Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("🚀 Starting collaboration relay...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("❌ Relay failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("✓ Server shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.TracingEnabled {
		jaegerShutdown, err := telemetry.InitJaeger(serviceName, cfg.JaegerEndpoint, logger)
		if err != nil {
			logger.Warn("⚠️  Failed to initialize Jaeger, continuing without tracing", slog.Any("error", err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := jaegerShutdown(shutdownCtx); err != nil {
					logger.Warn("⚠️  Failed to shutdown Jaeger", slog.Any("error", err))
				}
			}()
		}
	}

	hubCfg := relay.Config{
		Party:        cfg.PartyName,
		MessageRate:  float64(cfg.RelayMessageRate),
		MessageBurst: cfg.RelayMessageBurst,
		HistoryLimit: cfg.RelayHistoryLimit,
		Registry:     cfg.RegistryOptions(),
		Logger:       logging.Component(logger, "relay"),
	}
	if cfg.JWTSecret != "" {
		hubCfg.JWTSecret = []byte(cfg.JWTSecret)
	} else {
		logger.Warn("⚠️  JWT_SECRET is empty, every connection is admitted as owner")
	}

	var persister *relay.Persister
	if cfg.DBEnabled {
		database, err := db.NewGorm(cfg, logging.Component(logger, "db"))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		envelopes := repository.NewEnvelopeRepository(database.DB)
		graphs := repository.NewGraphRepository(database.DB)

		persister = relay.NewPersister(relay.PersisterConfig{
			Envelopes: envelopes,
			Graphs:    graphs,
			Workers:   cfg.PersistWorkers,
			QueueSize: cfg.PersistQueueSize,
			Retain:    cfg.EventLogMaxRetained,
			Logger:    logging.Component(logger, "persister"),
		})
		persister.Start()

		hubCfg.Envelopes = envelopes
		hubCfg.Graphs = graphs
		hubCfg.Persister = persister
	}

	hub := relay.NewHub(hubCfg)
	hub.Start()

	handler := api.NewHandler(hub, hubCfg.JWTSecret, logger)
	router := api.SetupRoutes(handler, relay.NewHandler(hub), logger)

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("🌐 Relay listening", slog.String("addr", "http://"+server.Addr))
		logger.Info("📚 Endpoints",
			slog.String("websocket", "GET "+relay.RoomPath+"?token=<jwt>"),
			slog.String("health", "GET /api/health"),
			slog.String("room", "GET /api/rooms/{room}"),
			slog.String("publish", "POST /api/rooms/{room}/publish"),
			slog.String("revoke", "POST /api/maps/{mapId}/revoke/{userId}"),
			slog.String("metrics", "GET /metrics"),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("🛑 Shutting down server...")

		// Give in-flight requests 30 seconds
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("⚠️  Server forced to shutdown", slog.Any("error", err))
		}

		// Sessions first, so nothing submits after the persister drains
		hub.Shutdown()
		if persister != nil {
			persister.Shutdown()
		}
		return nil
	})

	return g.Wait()
}
