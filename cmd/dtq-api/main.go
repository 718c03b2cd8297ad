// Command dtq-api serves the HTTP ingestion and query surface for the
// job orchestrator: job creation, listing, inspection, cancellation,
// transitions, health probes, and Prometheus metrics.
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

	"dtq/internal/queue/api"
	"dtq/internal/queue/config"
	"dtq/internal/queue/events"
	"dtq/internal/queue/metrics"
	"dtq/internal/queue/middleware"
	"dtq/internal/queue/service"
	"dtq/internal/queue/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[dtq-api] ")

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
	svc := service.New(st, evLog, service.Config{JobStream: cfg.JobStream})

	ap := api.New(svc, cfg.Environment, cfg.JobStream, cfg.DLQStream, log.Default(), st.Ping)

	mux := http.NewServeMux()
	ap.Register(mux)
	mux.Handle("/internal/metrics", metrics.Handler())

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	defer rl.Stop()
	secCfg := middleware.DefaultSecurityHeadersConfig()
	handler := middleware.SecurityHeaders(secCfg)(rl.Middleware(mux))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s, initiating graceful shutdown...", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	} else {
		log.Printf("server stopped gracefully")
	}
}

func logConfig(cfg config.Config) {
	log.Printf("dtq-api configuration:")
	log.Printf("  app_name=%s", cfg.AppName)
	log.Printf("  environment=%s", cfg.Environment)
	log.Printf("  addr=%s", cfg.HTTPAddr)
	log.Printf("  job_stream=%s", cfg.JobStream)
	log.Printf("  dlq_stream=%s", cfg.DLQStream)
	log.Printf("  job_events_stream=%s", cfg.JobEventsStream)
	log.Printf("  consumer_group=%s", cfg.ConsumerGroup)
	log.Printf("  max_retries=%d", cfg.MaxRetries)
	log.Printf("  initial_backoff_ms=%d", cfg.InitialBackoffMS)
	log.Printf("  max_backoff_ms=%d", cfg.MaxBackoffMS)
	log.Printf("  log_level=%s", cfg.LogLevel)
}
