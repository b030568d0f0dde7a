// Package main provides the adherence API service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/handlers"
	"github.com/drfirst/go-adherence/internal/api/middleware"
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

const serviceName = "adherence-api"

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

	m := metrics.New(nil)

	backend, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("storage init failed", zap.Error(err))
	}
	defer backend.Close()

	// Process-scoped services, built once
	calc := grace.NewCalculator(backend.Configs, grace.NewCalendarAround(time.Now()), medication.NewClassifier(nil, nil), log).
		WithFallbackCounter(m.GraceConfigFallbacks)
	machine := dose.NewMachine(backend.Doses, backend.Events, backend.Ledger, backend.Commands, cfg.MachineConfig(), log)

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

	doseHandler := handlers.NewDoseHandler(machine, grace.NewAnnotator(backend.Doses, backend.Commands, calc), m, log)
	sweepHandler := handlers.NewSweepHandler(sweeper, log)
	configHandler := handlers.NewGraceConfigHandler(calc, backend.Configs, log)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.HTTP.AllowedOrigins))
	r.Use(middleware.Recover(log))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Tracing(serviceName))

	// Health and metrics (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := backend.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.HTTP.APIKeys))
		r.Use(middleware.Actor)
		r.Mount("/doses", doseHandler.DoseRoutes())
		r.Mount("/events", doseHandler.EventRoutes())
		r.Mount("/sweeps", sweepHandler.Routes())
		r.Mount("/patients", configHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Sweep.Budget + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Error("shutdown error", zap.Error(err))
		}
	}()

	log.Info("starting adherence API",
		zap.String("port", cfg.HTTP.Port),
		zap.String("storage", cfg.Storage))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"%s","version":"1.0.0"}`, serviceName)
}
