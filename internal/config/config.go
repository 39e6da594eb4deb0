// Package config provides configuration loading and validation for the
// orchestrator daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Queue cap environment variables use this prefix, e.g. QUEUE_CAP_gpu_queue=2.
const queueCapPrefix = "QUEUE_CAP_"

// Config holds orchestrator configuration loaded from environment variables.
type Config struct {
	// Port is the TCP port the API server listens on (e.g. "8080").
	Port string

	// DBPath is the filesystem path to the SQLite database file.
	DBPath string

	// LogLevel controls application logging: debug, info, warn, error.
	LogLevel string

	// ShutdownTimeout bounds graceful shutdown (default 30s).
	ShutdownTimeout time.Duration

	// APIKey, when set, is required on requests as X-API-Key.
	APIKey string

	// WebhookURLs are the outbox subscriber endpoints. Empty disables
	// delivery (rows accumulate as pending).
	WebhookURLs []string

	// WebhookSecret signs outbox payloads (HMAC-SHA256). Empty disables
	// signing.
	WebhookSecret string

	// LeaseDur is how long a worker owns a claimed job before it must
	// heartbeat (default 2m).
	LeaseDur time.Duration

	// LockGrace extends dataset locks past the job lease so the lock never
	// frees before the job it protects (default 30s).
	LockGrace time.Duration

	// HeartbeatTTL is how stale a worker heartbeat may be before the worker
	// counts as dead (default 30s).
	HeartbeatTTL time.Duration

	// SchedulerTick is the dispatch loop interval (default 250ms).
	SchedulerTick time.Duration

	// SweeperTick is the recovery loop interval (default 5s).
	SweeperTick time.Duration

	// OutboxWorkers is the number of concurrent delivery workers (default 4).
	OutboxWorkers int

	// OutboxBatchSize is how many rows one delivery worker claims at a time
	// (default 32).
	OutboxBatchSize int

	// OutboxLockDur bounds how long a delivery worker may hold a claimed
	// outbox row (default 60s).
	OutboxLockDur time.Duration

	// OutboxTimeout is the per-request HTTP timeout for deliveries
	// (default 10s).
	OutboxTimeout time.Duration

	// MaxAttempts bounds job retries, including lease-expiry reclaims
	// (default 5).
	MaxAttempts int64

	// MaxOutboxAttempts bounds delivery retries per outbox row (default 10).
	MaxOutboxAttempts int64

	// RetryBackoffBase and RetryBackoffCap shape the transient-failure job
	// retry delay: base * 2^(attempts-1), capped (defaults 30s / 30m).
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration

	// DefaultQueueCap applies to queues without an explicit QUEUE_CAP_ entry
	// (default 1).
	DefaultQueueCap int

	// QueueCaps maps queue names to their concurrency caps.
	QueueCaps map[string]int
}

// QueueCap returns the concurrency cap for a queue, falling back to the
// default cap for unknown queues.
func (c *Config) QueueCap(queue string) int {
	if cap, ok := c.QueueCaps[queue]; ok {
		return cap
	}
	return c.DefaultQueueCap
}

// Load reads configuration from environment variables, applies defaults and
// validates required values.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     strings.TrimSpace(os.Getenv("ORCH_PORT")),
		DBPath:   strings.TrimSpace(os.Getenv("ORCH_DB_PATH")),
		LogLevel: strings.TrimSpace(os.Getenv("ORCH_LOG_LEVEL")),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	} else {
		cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("ORCH_DB_PATH is required")
	}

	if k := strings.TrimSpace(os.Getenv("ORCH_API_KEY")); k != "" {
		cfg.APIKey = k
	}

	if urls := strings.TrimSpace(os.Getenv("ORCH_WEBHOOK_URLS")); urls != "" {
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.WebhookURLs = append(cfg.WebhookURLs, u)
			}
		}
	}
	cfg.WebhookSecret = strings.TrimSpace(os.Getenv("ORCH_WEBHOOK_SECRET"))

	var err error
	if cfg.ShutdownTimeout, err = envDuration("ORCH_SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LeaseDur, err = envDuration("ORCH_LEASE_DURATION", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.LockGrace, err = envDuration("ORCH_LOCK_GRACE", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HeartbeatTTL, err = envDuration("ORCH_HEARTBEAT_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SchedulerTick, err = envDuration("ORCH_SCHEDULER_TICK", 250*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SweeperTick, err = envDuration("ORCH_SWEEPER_TICK", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.OutboxLockDur, err = envDuration("ORCH_OUTBOX_LOCK_DURATION", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.OutboxTimeout, err = envDuration("ORCH_OUTBOX_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryBackoffBase, err = envDuration("ORCH_RETRY_BACKOFF_BASE", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryBackoffCap, err = envDuration("ORCH_RETRY_BACKOFF_CAP", 30*time.Minute); err != nil {
		return nil, err
	}

	var n int64
	if n, err = envInt("ORCH_OUTBOX_WORKERS", 4); err != nil {
		return nil, err
	}
	cfg.OutboxWorkers = int(n)
	if n, err = envInt("ORCH_OUTBOX_BATCH_SIZE", 32); err != nil {
		return nil, err
	}
	cfg.OutboxBatchSize = int(n)
	if cfg.MaxAttempts, err = envInt("ORCH_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.MaxOutboxAttempts, err = envInt("ORCH_MAX_OUTBOX_ATTEMPTS", 10); err != nil {
		return nil, err
	}
	if n, err = envInt("ORCH_DEFAULT_QUEUE_CAP", 1); err != nil {
		return nil, err
	}
	cfg.DefaultQueueCap = int(n)

	cfg.QueueCaps, err = loadQueueCaps(os.Environ())
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadQueueCaps collects QUEUE_CAP_<name>=<int> variables from the
// environment.
func loadQueueCaps(environ []string) (map[string]int, error) {
	caps := make(map[string]int)
	for _, kv := range environ {
		if !strings.HasPrefix(kv, queueCapPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name := kv[len(queueCapPrefix):eq]
		if name == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(kv[eq+1:]))
		if err != nil {
			return nil, fmt.Errorf("invalid %s%s: %w", queueCapPrefix, name, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("invalid %s%s: cap must be >= 0", queueCapPrefix, name)
		}
		caps[name] = v
	}
	return caps, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
