// Package config loads GhostHands' environment configuration, following
// the teacher stack's convention of a single typed Config struct built
// once at process start from logged, defaulted env reads.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ghosthands/core/internal/platform/logger"
)

// Config is the process-wide, immutable configuration for a GhostHands
// worker process.
type Config struct {
	// DatabaseURL is the Postgres DSN used both for the gorm connection
	// pool and (when DispatchMode=="notify") the raw pgx LISTEN connection.
	DatabaseURL string
	// RedisURL, when set, backs the shared RateLimiter store, the
	// ProgressTracker pub/sub stream, and the Redis-Streams queue-consumer
	// dispatcher. Empty disables all three (in-process fallback only).
	RedisURL string

	// WorkerID identifies this process in WorkerRegistry and as the
	// worker_id stamped on claimed jobs. Defaults to hostname-pid.
	WorkerID string

	// DispatchMode selects the Dispatcher implementation: "notify"
	// (LISTEN/NOTIFY + poll, default), "queue" (Redis Streams consumer),
	// or "temporal".
	DispatchMode string

	// TemporalHostPort / TemporalNamespace configure the Temporal
	// dispatcher variant; ignored otherwise.
	TemporalHostPort  string
	TemporalNamespace string

	// PlatformLifecycleHook is loaded from ASG_LIFECYCLE_HOOK. Nothing
	// in the worker reads it; no lifecycle hook is completed on shutdown.
	PlatformLifecycleHook string

	// StaleJobThreshold overrides the 120s liveness horizon.
	StaleJobThreshold time.Duration

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	MaxConcurrent     int
	ShutdownGrace     time.Duration
	LogMode           string
	StatusPort        string
}

func Load(log *logger.Logger) Config {
	cfg := Config{
		DatabaseURL:           getEnv("DATABASE_URL", "", log),
		RedisURL:              getEnv("REDIS_URL", "", log),
		WorkerID:              getEnv("WORKER_ID", defaultWorkerID(), log),
		DispatchMode:          strings.ToLower(getEnv("DISPATCH_MODE", "notify", log)),
		TemporalHostPort:      getEnv("TEMPORAL_HOST_PORT", "127.0.0.1:7233", log),
		TemporalNamespace:     getEnv("TEMPORAL_NAMESPACE", "default", log),
		PlatformLifecycleHook: getEnv("ASG_LIFECYCLE_HOOK", "", log),
		StaleJobThreshold:     time.Duration(getEnvInt("STALE_JOB_THRESHOLD_SECONDS", 120, log)) * time.Second,
		HeartbeatInterval:     time.Duration(getEnvInt("HEARTBEAT_INTERVAL_SECONDS", 30, log)) * time.Second,
		PollInterval:          time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 5, log)) * time.Second,
		MaxConcurrent:         getEnvInt("WORKER_MAX_CONCURRENT", 1, log),
		ShutdownGrace:         time.Duration(getEnvInt("SHUTDOWN_GRACE_SECONDS", 30, log)) * time.Second,
		LogMode:               getEnv("LOG_MODE", "development", log),
		StatusPort:            getEnv("STATUS_PORT", "8080", log),
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return cfg
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

func getEnv(key, def string, log *logger.Logger) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		if log != nil {
			log.Debug("config default applied", "key", key, "value", def)
		}
		return def
	}
	return v
}

func getEnvInt(key string, def int, log *logger.Logger) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if log != nil {
			log.Warn("invalid int env var, using default", "key", key, "value", v, "default", def)
		}
		return def
	}
	return n
}
