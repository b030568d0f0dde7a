// Package main provides the periodic missed-dose sweeper entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/app"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/grace"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
	"github.com/drfirst/go-adherence/internal/platform/logger"
	"github.com/drfirst/go-adherence/internal/sweep"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

const serviceName = "dose-sweeper"

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

	if cfg.Storage == config.StorageMemory {
		log.Warn("memory storage is private to this process, the sweeper will only see its own doses")
	}

	m := metrics.New(nil)

	backend, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("storage init failed", zap.Error(err))
	}
	defer backend.Close()

	calc := grace.NewCalculator(backend.Configs, grace.NewCalendarAround(time.Now()), medication.NewClassifier(nil, nil), log).
		WithFallbackCounter(m.GraceConfigFallbacks)

	breakerCfg := circuitbreaker.DefaultConfig("sweep-store")
	breakerCfg.IsSuccessful = func(err error) bool { return errors.Is(err, dose.ErrConflict) }
	breakerCfg.OnStateChange = m.BreakerStateChanged
	breaker, err := circuitbreaker.New(breakerCfg, log)
	if err != nil {
		log.Fatal("circuit breaker init failed", zap.Error(err))
	}

	sweeper := sweep.New(cfg.SweepConfig(), backend.Doses, backend.Commands, backend.Rules, backend.Batches, calc, log).
		WithBreaker(breaker).
		WithMetrics(m)
	runner := sweep.NewRunner(sweeper, cfg.Sweep.Interval, log)

	// Health, metrics and the last run (no auth)
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":"%s","breaker":"%s"}`, serviceName, breaker.GetState())
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := backend.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	r.Get("/sweeps/last", func(w http.ResponseWriter, r *http.Request) {
		res, ok := runner.Last()
		if !ok {
			http.Error(w, `{"error":"no sweep has run yet"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			sweep.Result
			Errors []string `json:"errors"`
		}{res, res.ErrorMessages()})
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

	runner.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	log.Info("dose sweeper stopped")
}
