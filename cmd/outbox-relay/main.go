// Package main provides the outbox relay service entry point.
// Publishes dose events and family notifications written by the API and the sweeper.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
	"github.com/drfirst/go-adherence/internal/platform/logger"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

const (
	serviceName   = "outbox-relay"
	statsInterval = 30 * time.Second
	purgeInterval = time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.Storage != config.StoragePostgres {
		log.Fatal("the outbox relay requires postgres storage", zap.String("storage", cfg.Storage))
	}

	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Environment
	traceCfg.OTLPEndpoint = cfg.Tracing.Endpoint
	traceCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		log.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	log.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, log)
	if err != nil {
		log.Fatal("admin client creation failed", zap.Error(err))
	}
	// Topics may be managed elsewhere; a failure here is not fatal
	if err := admin.EnsureTopics(ctx, int16(cfg.Kafka.ReplicationFactor)); err != nil {
		log.Warn("could not ensure topics", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producerCfg.ClientID = cfg.Kafka.ClientID
	producer, err := redpanda.NewProducer(producerCfg, log)
	if err != nil {
		log.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	log.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	m := metrics.New(nil)

	breakerCfg := circuitbreaker.DefaultConfig("broker")
	breakerCfg.OnStateChange = m.BreakerStateChanged
	breaker, err := circuitbreaker.New(breakerCfg, log)
	if err != nil {
		log.Fatal("circuit breaker init failed", zap.Error(err))
	}

	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), log).
		WithBreaker(breaker).
		WithMetrics(m)
	outbox.Start()

	statsCtx, stopStats := context.WithCancel(ctx)
	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		purge := time.NewTicker(purgeInterval)
		defer purge.Stop()
		for {
			select {
			case <-statsCtx.Done():
				return
			case <-ticker.C:
				stats, err := outbox.GetStats(statsCtx)
				if err != nil {
					log.Warn("outbox stats unavailable", zap.Error(err))
					continue
				}
				m.OutboxPending.Set(float64(stats.Pending))
				if stats.Failed > 0 {
					log.Warn("outbox entries awaiting dead-lettering", zap.Int64("failed", stats.Failed))
				}
			case <-purge.C:
				n, err := idempotency.Purge(statsCtx, pool)
				if err != nil {
					log.Warn("idempotency purge failed", zap.Error(err))
					continue
				}
				log.Debug("expired notification claims purged", zap.Int64("count", n))
			}
		}
	}()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"service":  serviceName,
			"breaker":  breaker.GetState(),
			"producer": producer.Stats(),
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		if err := redpanda.HealthCheck(r.Context(), cfg.Kafka.Brokers); err != nil {
			http.Error(w, "broker not ready", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("status server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	stopStats()
	<-statsDone
	outbox.Stop()
	if err := producer.Flush(context.Background()); err != nil {
		log.Warn("flush failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	log.Info("outbox relay stopped")
}
