// Command orchestrator runs the control plane as a single process: the
// Batch Orchestrator's scheduler, the Realtime Session Router's health
// loop, the Webhook Dispatcher, the retention sweeper, and the admin/
// progress HTTP surfaces, all sharing one KV Coordinator and Durable
// Store. Structured the way cmd/gateway assembles the Marble-based HTTP
// services: build dependencies, install the logging/recovery/metrics
// middleware stack on the router, start background loops, then run an
// *http.Server with the same timeouts and graceful-shutdown sequence.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	sllogging "github.com/r3e-network/scribeflow/infrastructure/logging"
	slmetrics "github.com/r3e-network/scribeflow/infrastructure/metrics"
	slmiddleware "github.com/r3e-network/scribeflow/infrastructure/middleware"

	"github.com/r3e-network/scribeflow/internal/apihttp"
	"github.com/r3e-network/scribeflow/internal/cfg"
	"github.com/r3e-network/scribeflow/internal/dag"
	"github.com/r3e-network/scribeflow/internal/kv/redis"
	"github.com/r3e-network/scribeflow/internal/objectstore/localdisk"
	"github.com/r3e-network/scribeflow/internal/progress"
	"github.com/r3e-network/scribeflow/internal/realtime"
	"github.com/r3e-network/scribeflow/internal/registry"
	"github.com/r3e-network/scribeflow/internal/retention"
	"github.com/r3e-network/scribeflow/internal/scheduler"
	"github.com/r3e-network/scribeflow/internal/store/postgres"
	"github.com/r3e-network/scribeflow/internal/store/postgres/migrations"
	"github.com/r3e-network/scribeflow/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("orchestrator: %v", err)
	}
}

func run() error {
	ctx := context.Background()

	config, err := cfg.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := sllogging.NewFromEnv("orchestrator")

	dsn := config.Database.DSN
	if dsn == "" {
		dsn = config.Database.ConnectionString()
	}
	st, err := postgres.Open(dsn)
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	defer st.Close()

	if err := migrations.Apply(ctx, st.DB()); err != nil {
		return fmt.Errorf("apply schema migrations: %w", err)
	}

	coordinator := redis.Dial(config.Redis.Addr, config.Redis.Password, config.Redis.DB, config.Redis.Prefix)
	defer coordinator.Close()

	objects, err := localdisk.New(config.ObjectStore.BaseDir, config.ObjectStore.URLPrefix, config.ObjectStore.SigningSalt)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	newID := func() string { return uuid.NewString() }

	reg := registry.New(coordinator, config.Scheduler.HeartbeatStale, logger)
	rt := realtime.New(coordinator, st, config.Realtime.WorkerStaleAfter, newID, logger)
	bus := progress.New(st, coordinator, logger)
	wh := webhook.New(webhook.Config{
		ClaimBatchSize: config.Webhook.ClaimBatchSize,
		PollInterval:   config.Webhook.PollInterval,
		RequestTimeout: config.Webhook.RequestTimeout,
		RatePerSecond:  config.Webhook.RatePerSecond,
		RateBurst:      config.Webhook.RateBurst,
	}, st, coordinator, newID, logger)
	sweeper := retention.New(retention.Config{
		Schedule:  config.Retention.Schedule,
		BatchSize: config.Retention.BatchSize,
	}, st, objects, logger)

	variants, err := dag.LoadVariantTable(os.Getenv("VARIANT_TABLE_FILE"))
	if err != nil {
		return fmt.Errorf("load variant table: %w", err)
	}
	sched := scheduler.New(scheduler.Config{
		HeartbeatStaleAfter: config.Scheduler.HeartbeatStale,
		DispatchRetryWait:   config.Scheduler.DispatchRetry,
		DispatchDeadline:    config.Scheduler.DispatchDeadline,
		MaxTaskRetries:      config.Scheduler.MaxRetries,
		TickInterval:        config.Scheduler.DispatchRetry,
		ShardLeaseTTL:       config.Scheduler.ShardLeaseInterval,
	}, st, coordinator, reg, variants, newID, logger)

	admin := apihttp.New(st, coordinator, reg, sched, rt, wh, logger)

	router := mux.NewRouter()
	router.Use(slmiddleware.LoggingMiddleware(logger))
	router.Use(slmiddleware.NewRecoveryMiddleware(logger).Handler)
	if slmetrics.Enabled() {
		metricsCollector := slmetrics.Init("orchestrator")
		router.Use(slmiddleware.MetricsMiddleware("orchestrator", metricsCollector))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	router.Use(slmiddleware.NewBodyLimitMiddleware(0).Handler)
	router.PathPrefix("/admin/").Handler(admin.Router())
	router.PathPrefix("/jobs/").Handler(bus.Router())

	runBackground(ctx, logger, "scheduler", sched.Run)
	runBackground(ctx, logger, "webhook dispatcher", wh.Run)
	runBackground(ctx, logger, "retention sweeper", sweeper.Run)
	go rt.RunHealthLoop(ctx, config.Realtime.HealthLoopInterval)

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("orchestrator listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runBackground starts a long-running loop (scheduler/webhook/retention
// all share the "Run(ctx) error, blocks until ctx is cancelled" shape) in
// its own goroutine, logging an error-level entry instead of crashing the
// whole process if one exits early - the admin/progress HTTP surface
// should keep serving even if a background loop dies.
func runBackground(ctx context.Context, logger *sllogging.Logger, name string, fn func(context.Context) error) {
	go func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.WithContext(ctx).WithError(err).Errorf("%s exited", name)
		}
	}()
}
