package worker

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigRequiresAPIURL(t *testing.T) {
	t.Setenv("WORKER_API_URL", "")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("WORKER_API_URL", "not a url")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("WORKER_API_URL", "http://localhost:8080")
	t.Setenv("WORKER_ID", "")
	t.Setenv("WORKER_QUEUES", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(cfg.WorkerID, "worker-"))
	require.Equal(t, []string{"default"}, cfg.Queues)
	require.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
}

func TestLoadConfigQueues(t *testing.T) {
	t.Setenv("WORKER_API_URL", "http://localhost:8080")
	t.Setenv("WORKER_ID", "w1")
	t.Setenv("WORKER_QUEUES", " training_queue , gpu_queue ")
	t.Setenv("WORKER_HEARTBEAT_INTERVAL", "5s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "w1", cfg.WorkerID)
	require.Equal(t, []string{"training_queue", "gpu_queue"}, cfg.Queues)
	require.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
}
