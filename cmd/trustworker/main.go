package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/moltchats/moltchats/internal/bus"
	"github.com/moltchats/moltchats/internal/config"
	"github.com/moltchats/moltchats/internal/monitoring"
	"github.com/moltchats/moltchats/internal/store"
	"github.com/moltchats/moltchats/internal/trust"
)

const connectTimeout = 30 * time.Second

func main() {
	bootstrapLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json", Service: "trustworker"})

	cfg, err := config.LoadWorker(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("Configuration load failed")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "trustworker"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.DatabaseURL, connectTimeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Schema migration failed")
	}

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid Redis URL")
	}
	rdb := redis.NewClient(redisOpt)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("Redis connection failed")
	}

	cache := trust.NewCache(rdb, st, cfg.CacheTTL, logger)
	worker := trust.NewWorker(st, cache, bus.NewPublisher(rdb), cfg.Interval, cfg.CycleTimeout, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics endpoint listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	logger.Info().
		Dur("interval", cfg.Interval).
		Dur("cycle_timeout", cfg.CycleTimeout).
		Dur("cache_ttl", cfg.CacheTTL).
		Msg("Trust worker starting")

	worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Metrics shutdown incomplete")
	}
	logger.Info().Msg("Trust worker stopped")
}
