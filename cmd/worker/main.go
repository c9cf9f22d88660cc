package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"media-worker/internal/artifact"
	"media-worker/internal/config"
	"media-worker/internal/engine"
	"media-worker/internal/registry"
	"media-worker/internal/store"
	"media-worker/internal/telemetry"
	"media-worker/internal/webhook"
	"media-worker/internal/worker"
	"media-worker/internal/workflow"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Environment: cfg.Env}); err != nil {
			log.Fatalf("sentry init: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	queue := engine.NewTaskQueue(cfg)

	artifacts, err := artifact.NewClient(ctx, cfg)
	if err != nil {
		log.Fatalf("artifact store: %v", err)
	}

	reg := registry.Default(cfg)
	executor := worker.NewActivityExecutor(cfg, reg)
	deliverer := webhook.NewDeliverer(cfg, st, workflow.SystemClock{})
	runner := workflow.NewRunner(cfg, st, artifacts, executor, deliverer, reg)
	pool := worker.NewPool(cfg, queue, runner.Run)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	// Repair loop for deliveries stranded without a live workflow run
	// (e.g. the queue lost its in-flight entry). Lease expiry covers the
	// normal crash path, so only well-overdue rows are swept.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			cutoff := time.Now().Add(-15 * time.Minute)
			due, err := st.ListDueDeliveries(ctx, cutoff, 100)
			if err != nil && ctx.Err() == nil {
				log.Printf("list due deliveries: %v", err)
			}
			for _, d := range due {
				log.Printf("resuming stranded delivery for job %s", d.JobID)
				if err := queue.Enqueue(ctx, d.JobID, time.Now()); err != nil {
					log.Printf("requeue job %s: %v", d.JobID, err)
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	log.Printf("worker started concurrency=%d visibility=%s capabilities=%v",
		cfg.WorkerConcurrency, cfg.VisibilityTimeout, reg.Capabilities())
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("worker stopped: %v", err)
	}
}
