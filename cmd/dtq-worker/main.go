// Command dtq-worker runs the job orchestrator's worker pool: each
// process instance hosts WorkerConcurrency consumer goroutines pulling
// from the job stream under a shared consumer group.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dtq/internal/queue/config"
	"dtq/internal/queue/events"
	"dtq/internal/queue/handlers"
	"dtq/internal/queue/scheduler"
	"dtq/internal/queue/store"
	"dtq/internal/queue/worker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[dtq-worker] ")

	cfg := config.Load()
	logConfig(cfg)

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.RedisURL)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	evLog := events.NewLog(st, cfg.JobEventsStream)
	reg := handlers.NewRegistry()

	workerCfg := worker.Config{
		JobStream:     cfg.JobStream,
		DLQStream:     cfg.DLQStream,
		ConsumerGroup: cfg.ConsumerGroup,
		LeaseTTL:      time.Duration(cfg.LeaseTTLSeconds) * time.Second,
		Scheduler: scheduler.Config{
			MaxRetries:       cfg.MaxRetries,
			InitialBackoffMS: cfg.InitialBackoffMS,
			MaxBackoffMS:     cfg.MaxBackoffMS,
		},
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		w := worker.New(st, evLog, reg, workerCfg, log.Default())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(workerCtx); err != nil && workerCtx.Err() == nil {
				log.Printf("worker exited with error: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal: %s, initiating graceful shutdown...", sig)

	workerCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("all workers stopped gracefully")
	case <-time.After(20 * time.Second):
		log.Printf("timed out waiting for workers to stop")
	}
}

func logConfig(cfg config.Config) {
	log.Printf("dtq-worker configuration:")
	log.Printf("  app_name=%s", cfg.AppName)
	log.Printf("  environment=%s", cfg.Environment)
	log.Printf("  job_stream=%s", cfg.JobStream)
	log.Printf("  dlq_stream=%s", cfg.DLQStream)
	log.Printf("  consumer_group=%s", cfg.ConsumerGroup)
	log.Printf("  workers=%d", cfg.WorkerConcurrency)
	log.Printf("  lease_ttl_seconds=%d", cfg.LeaseTTLSeconds)
	log.Printf("  max_retries=%d", cfg.MaxRetries)
	log.Printf("  initial_backoff_ms=%d", cfg.InitialBackoffMS)
	log.Printf("  max_backoff_ms=%d", cfg.MaxBackoffMS)
	log.Printf("  log_level=%s", cfg.LogLevel)
}
