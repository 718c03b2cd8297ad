// Package config loads runtime configuration for the job orchestrator
// from environment variables, with flag overrides for the subset that
// make sense as process flags.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
)

// Config holds runtime configuration shared by the ingestion API and the
// worker pool. Values can be provided via environment variables and/or
// flags; flags take precedence over environment variables.
type Config struct {
	AppName     string // APP_NAME
	Environment string // ENVIRONMENT: development|production

	HTTPAddr string // DTQ_HTTP_ADDR
	RedisURL string // REDIS_URL

	JobStream       string // JOB_STREAM
	DLQStream       string // DLQ_STREAM
	JobEventsStream string // JOB_EVENTS_STREAM
	ConsumerGroup   string // CONSUMER_GROUP

	MaxRetries       int // MAX_RETRIES
	InitialBackoffMS int // INITIAL_BACKOFF_MS
	MaxBackoffMS     int // MAX_BACKOFF_MS

	WorkerConcurrency int // WORKER_CONCURRENCY
	LeaseTTLSeconds   int // LEASE_TTL_SECONDS

	LogLevel string // LOG_LEVEL: info|debug
}

// Default returns the baseline configuration, matching the defaults
// described by the job orchestrator's design.
func Default() Config {
	return Config{
		AppName:     "DTQ",
		Environment: "development",

		HTTPAddr: ":8080",
		RedisURL: "redis://localhost:6379/0",

		JobStream:       "dtq:jobs",
		DLQStream:       "dtq:dlq",
		JobEventsStream: "dtq:job-events",
		ConsumerGroup:   "dtq:workers",

		MaxRetries:       3,
		InitialBackoffMS: 1000,
		MaxBackoffMS:     300000,

		WorkerConcurrency: 2,
		LeaseTTLSeconds:   30,

		LogLevel: "info",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// FromEnv builds a Config from environment variables alone, without
// touching the flag package. Split out from Load so it can be tested
// without interfering with the global flag.CommandLine.
func FromEnv() Config {
	def := Default()

	return Config{
		AppName:     getenv("APP_NAME", def.AppName),
		Environment: strings.ToLower(getenv("ENVIRONMENT", def.Environment)),

		HTTPAddr: getenv("DTQ_HTTP_ADDR", def.HTTPAddr),
		RedisURL: getenv("REDIS_URL", def.RedisURL),

		JobStream:       getenv("JOB_STREAM", def.JobStream),
		DLQStream:       getenv("DLQ_STREAM", def.DLQStream),
		JobEventsStream: getenv("JOB_EVENTS_STREAM", def.JobEventsStream),
		ConsumerGroup:   getenv("CONSUMER_GROUP", def.ConsumerGroup),

		MaxRetries:       getenvInt("MAX_RETRIES", def.MaxRetries),
		InitialBackoffMS: getenvInt("INITIAL_BACKOFF_MS", def.InitialBackoffMS),
		MaxBackoffMS:     getenvInt("MAX_BACKOFF_MS", def.MaxBackoffMS),

		WorkerConcurrency: getenvInt("WORKER_CONCURRENCY", def.WorkerConcurrency),
		LeaseTTLSeconds:   getenvInt("LEASE_TTL_SECONDS", def.LeaseTTLSeconds),

		LogLevel: getenv("LOG_LEVEL", def.LogLevel),
	}
}

// Load builds a Config from environment variables, then applies flag
// overrides from os.Args. Flags override environment variables.
func Load() Config {
	cfg := FromEnv()

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env DTQ_HTTP_ADDR)")
	flag.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis connection URL (env REDIS_URL)")
	flag.IntVar(&cfg.WorkerConcurrency, "workers", cfg.WorkerConcurrency, "Worker concurrency (env WORKER_CONCURRENCY)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: info|debug (env LOG_LEVEL)")

	if !flag.Parsed() {
		flag.Parse()
	}
	return cfg
}

// IsProduction reports whether the environment is configured as
// production, gating dev-only surface like the synthetic job generator.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}
