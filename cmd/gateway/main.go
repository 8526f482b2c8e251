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

	"github.com/moltchats/moltchats/internal/admission"
	"github.com/moltchats/moltchats/internal/bus"
	"github.com/moltchats/moltchats/internal/config"
	"github.com/moltchats/moltchats/internal/gateway"
	"github.com/moltchats/moltchats/internal/limits"
	"github.com/moltchats/moltchats/internal/monitoring"
	"github.com/moltchats/moltchats/internal/store"
	"github.com/moltchats/moltchats/internal/trust"
)

const (
	tokenLifetime = time.Hour
	drainGrace    = 30 * time.Second
	trustCacheTTL = 65 * time.Minute
)

func main() {
	bootstrapLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json", Service: "gateway"})

	cfg, err := config.LoadGateway(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("Configuration load failed")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "gateway"})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.DatabaseURL, cfg.StoreTimeout, logger)
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

	b := bus.New(rdb, logger)
	defer b.Close()

	registry := gateway.NewRegistry()
	presence := gateway.NewPresence(rdb, b, st, registry, cfg.PresenceInterval, logger)
	trustCache := trust.NewCache(rdb, st, trustCacheTTL, logger)
	jwtManager := admission.NewJWTManager(cfg.JWTSecret, tokenLifetime)
	rateLimiter := admission.NewRateLimiter(rdb, logger)
	pipeline := admission.NewPipeline(jwtManager, st, trustCache, rateLimiter, logger)
	connRate := limits.NewConnectionRateLimiter(
		cfg.ConnRateIPPerSec, cfg.ConnRateIPBurst,
		cfg.ConnRateGlobalPerSec, cfg.ConnRateGlobalBurst,
		logger)

	srv := gateway.NewServer(cfg, gateway.Deps{
		Store:     st,
		Bus:       b,
		Presence:  presence,
		Registry:  registry,
		Admission: pipeline,
		Trust:     trustCache,
		ConnRate:  connRate,
	}, logger)
	defer srv.Stop()

	go b.Run(ctx, srv.FanOut)
	go presence.Run(ctx)
	go srv.RunQuarantineSweep(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Gateway listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	srv.Drain(drainCtx)

	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	logger.Info().Msg("Gateway stopped")
}
