// Package worker implements the pull worker harness: configuration, the
// orchestrator API client, the claim loop and the built-in command executor.
package worker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config holds worker configuration values loaded from environment.
type Config struct {
	APIURL   string
	WorkerID string
	APIKey   string

	// Queues the worker polls for work, in order.
	Queues []string

	// HeartbeatInterval is how often the worker renews its registry
	// heartbeat and job leases. Must be comfortably below the
	// orchestrator's lease duration.
	HeartbeatInterval time.Duration

	// Idle claim backoff bounds.
	RetryMinDelay time.Duration
	RetryMaxDelay time.Duration

	// ExecCommand, when set, is the command the built-in executor runs per
	// job. The job payload arrives on stdin; NDJSON progress lines are read
	// from stdout.
	ExecCommand string
}

// LoadConfig reads configuration from environment variables and validates
// them. WORKER_API_URL is required; WORKER_ID is auto-generated when absent.
func LoadConfig() (*Config, error) {
	apiURL := os.Getenv("WORKER_API_URL")
	if apiURL == "" {
		return nil, fmt.Errorf("missing required environment variable WORKER_API_URL")
	}
	if err := validateURL(apiURL); err != nil {
		return nil, fmt.Errorf("invalid WORKER_API_URL: %w", err)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		id, err := autoGenerateWorkerID()
		if err != nil {
			return nil, fmt.Errorf("failed to auto-generate WORKER_ID: %w", err)
		}
		workerID = id
	}

	queues := []string{"default"}
	if v := os.Getenv("WORKER_QUEUES"); v != "" {
		queues = queues[:0]
		for _, q := range strings.Split(v, ",") {
			if q = strings.TrimSpace(q); q != "" {
				queues = append(queues, q)
			}
		}
		if len(queues) == 0 {
			return nil, fmt.Errorf("WORKER_QUEUES must name at least one queue")
		}
	}

	heartbeat := 15 * time.Second
	if v := os.Getenv("WORKER_HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_HEARTBEAT_INTERVAL: %w", err)
		}
		heartbeat = d
	}

	return &Config{
		APIURL:            apiURL,
		WorkerID:          workerID,
		APIKey:            os.Getenv("WORKER_API_KEY"),
		Queues:            queues,
		HeartbeatInterval: heartbeat,
		RetryMinDelay:     time.Second,
		RetryMaxDelay:     30 * time.Second,
		ExecCommand:       os.Getenv("WORKER_EXEC_COMMAND"),
	}, nil
}

func validateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("url must include scheme and host")
	}
	return nil
}

// autoGenerateWorkerID builds an id using hostname and random bytes.
func autoGenerateWorkerID() (string, error) {
	hn, _ := os.Hostname()
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("worker-%s-%s", sanitizeHostname(hn), hex.EncodeToString(b)), nil
}

// sanitizeHostname keeps hostname safe for use in ids.
func sanitizeHostname(h string) string {
	if h == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(h))
	for _, r := range h {
		if r == ' ' || r == '/' || r == '\\' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
