// The gateway binary fronts the Aviationstack API for the internal services:
// monthly quota enforcement, response caching, request coalescing and circuit
// breaking around every outbound call.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cloudfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/hellomira/aviation-gateway/pkg/gateway"
	firestorestore "github.com/hellomira/aviation-gateway/storage/firestore"
	memorystore "github.com/hellomira/aviation-gateway/storage/memory"
	redisstore "github.com/hellomira/aviation-gateway/storage/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := gateway.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg)
	log.Info().
		Str("backend", cfg.StoreBackend).
		Int("monthly_limit", cfg.MonthlyCallLimit).
		Dur("cache_ttl", cfg.CacheTTL).
		Msg("starting aviationstack gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	log.Info().Msg("store ready")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := gateway.NewMetrics(registry)

	breaker := gateway.NewCircuitBreaker(
		cfg.FailureThreshold,
		cfg.RecoveryTimeout,
		cfg.HalfOpenMaxCalls,
		func(state gateway.BreakerState) {
			metrics.SetBreakerState(state)
			log.Warn().Str("state", state.String()).Msg("circuit breaker state change")
		},
	)
	metrics.SetBreakerState(gateway.BreakerClosed)

	cache := gateway.NewResponseCache(store, cfg.CacheTTL, log)
	quota := gateway.NewQuotaLedger(store, cfg.MonthlyCallLimit, log)
	coalescer := gateway.NewCoalescer()

	upstream := gateway.NewUpstream(
		cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.UpstreamTimeout,
		cache, quota, breaker, coalescer, metrics, log,
	)

	requestTimeout := cfg.UpstreamTimeout + 10*time.Second
	server := gateway.NewServer(
		upstream, cache, quota, breaker, coalescer, store,
		metrics, registry, requestTimeout, log,
	)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("gateway stopped")
	return nil
}

func newLogger(cfg gateway.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}

	var log zerolog.Logger
	if cfg.Debug {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Str("service", "gateway").Logger()
}

func openStore(ctx context.Context, cfg gateway.Config) (gateway.Storage, error) {
	switch cfg.StoreBackend {
	case gateway.BackendRedis:
		return redisstore.Open(cfg.RedisURL, redisstore.Config{KeyPrefix: cfg.StoreKeyPrefix})
	case gateway.BackendFirestore:
		client, err := cloudfirestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		return firestorestore.New(client, firestorestore.Config{
			CacheCollection:   cfg.StoreKeyPrefix + "cache",
			QuotaCollection:   cfg.StoreKeyPrefix + "rate_limit",
			HistoryCollection: cfg.StoreKeyPrefix + "flight_history",
		})
	case gateway.BackendMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
