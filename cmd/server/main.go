// BrainBolt - Adaptive Quiz Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/brainbolt/internal/api"
	"github.com/ashureev/brainbolt/internal/cache"
	"github.com/ashureev/brainbolt/internal/catalog"
	"github.com/ashureev/brainbolt/internal/clock"
	"github.com/ashureev/brainbolt/internal/config"
	"github.com/ashureev/brainbolt/internal/health"
	"github.com/ashureev/brainbolt/internal/leaderboard"
	"github.com/ashureev/brainbolt/internal/middleware"
	"github.com/ashureev/brainbolt/internal/quiz"
	"github.com/ashureev/brainbolt/internal/session"
	"github.com/ashureev/brainbolt/internal/store"
	"github.com/ashureev/brainbolt/internal/sweeper"
	"github.com/ashureev/brainbolt/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const healthProbeInterval = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "session_ttl", cfg.SessionTTL(),
		"difficulty_min", cfg.DifficultyMin, "difficulty_max", cfg.DifficultyMax)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTELEndpoint)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	kv := openCache(cfg)
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Warn("Failed to close cache", "error", closeErr)
		}
	}()

	// Initialize services.
	clk := clock.System{}
	sessions := session.NewStore(repo, kv, clk, session.Options{
		TTL:               cfg.SessionTTL(),
		DefaultDifficulty: cfg.DefaultDifficulty,
		KeyPrefix:         cfg.CacheKeyPrefix,
	})
	boards := leaderboard.New(repo, kv, cfg.CacheKeyPrefix)
	svc := quiz.NewService(repo, sessions, catalog.New(repo), boards, quiz.Options{
		Bounds:                  cfg.Bounds(),
		LeaderboardDefaultLimit: cfg.LeaderboardDefaultLimit,
		LeaderboardMaxLimit:     cfg.LeaderboardMaxLimit,
		Clock:                   clk,
	})

	// Initialize handlers.
	streams := api.NewStreamRegistry()
	healthHandler := api.NewHealthHandler(repo, kv)
	quizHandler := api.NewQuizHandler(svc)
	leaderboardHandler := api.NewLeaderboardHandler(svc,
		api.NewStreamHandler(svc, boards, streams, cfg.CORSOrigins))

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	healthHandler.RegisterHealth(r)
	quizHandler.RegisterRoutes(r)
	leaderboardHandler.RegisterRoutes(r)

	// Create server.
	// WriteTimeout stays 0 so leaderboard streams are not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(r, telemetry.ServiceName),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	sweeper.Start(ctx, repo, clk, cfg.SessionSweepInterval, cfg.SessionRetention, nil)

	monitor := health.NewMonitor(repo, kv)
	go monitor.Run(ctx, healthProbeInterval)
	if cfg.GRPCHealthPort != "" {
		go func() {
			if err := health.Serve(ctx, ":"+cfg.GRPCHealthPort, monitor); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Hijacked websocket connections are not tracked by Shutdown.
	streams.CloseAll("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}

// openCache connects to Redis when configured and falls back to the
// in-process cache otherwise.
func openCache(cfg *config.Config) cache.Cache {
	if cfg.RedisURL == "" {
		slog.Info("Using in-process cache")
		return cache.NewMemory(clock.System{})
	}

	rc, err := cache.NewRedis(cfg.RedisURL)
	if err != nil {
		slog.Warn("Invalid Redis URL, using in-process cache", "error", err)
		return cache.NewMemory(clock.System{})
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		slog.Warn("Redis unreachable at startup, continuing with degraded cache", "error", err)
	} else {
		slog.Info("Redis cache connected")
	}
	return rc
}
