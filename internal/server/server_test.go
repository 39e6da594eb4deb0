package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/garnizeh/trainflow/internal/config"
	"github.com/garnizeh/trainflow/internal/jobs"
	applog "github.com/garnizeh/trainflow/internal/log"
	"github.com/garnizeh/trainflow/internal/registry"
	"github.com/garnizeh/trainflow/internal/store"
)

func testServerConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		LogLevel:         "error",
		LeaseDur:         time.Minute,
		LockGrace:        10 * time.Second,
		HeartbeatTTL:     30 * time.Second,
		MaxAttempts:      3,
		RetryBackoffBase: time.Second,
		RetryBackoffCap:  time.Minute,
		DefaultQueueCap:  5,
	}
}

// setupServer initializes a server over a fresh database and exposes it via
// httptest.
func setupServer(t *testing.T, cfg *config.Config) (*httptest.Server, *store.Store) {
	t.Helper()
	db, err := store.InitDB(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.CloseDB(db))
	})
	st := store.New(db)
	log := applog.WithComponent("test")
	ctrl := jobs.NewController(st, cfg, log)
	reg := registry.New(st, cfg.HeartbeatTTL, log)

	s := New(cfg, st, ctrl, reg, log)
	s.RegisterRoutes()
	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)
	return ts, st
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func submitViaAPI(t *testing.T, baseURL, kind string) string {
	t.Helper()
	status, out := doJSON(t, http.MethodPost, baseURL+"/training/jobs",
		map[string]any{"kind": kind}, nil)
	require.Equal(t, http.StatusCreated, status)
	return out["id"].(string)
}

func TestSubmitAndGetJob(t *testing.T) {
	ts, _ := setupServer(t, testServerConfig())

	status, out := doJSON(t, http.MethodPost, ts.URL+"/training/jobs", map[string]any{
		"kind":     "train.lora",
		"priority": 7,
		"payload":  map[string]any{"dataset_id": "ds-1"},
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "train.lora", out["kind"])
	require.Equal(t, "training_queue", out["queue"])
	require.Equal(t, "pending", out["status"])

	// The detail view is the job itself with the event log embedded, not a
	// wrapper object.
	id := out["id"].(string)
	status, out = doJSON(t, http.MethodGet, ts.URL+"/training/jobs/"+id, nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, id, out["id"])
	require.Equal(t, "pending", out["status"])
	events := out["events"].([]any)
	require.Len(t, events, 1)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	ts, _ := setupServer(t, testServerConfig())

	status, out := doJSON(t, http.MethodPost, ts.URL+"/training/jobs", map[string]any{}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "bad_request", out["kind"])

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/training/jobs",
		map[string]any{"kind": "x", "unknown_field": 1}, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestGetJobNotFound(t *testing.T) {
	ts, _ := setupServer(t, testServerConfig())
	status, out := doJSON(t, http.MethodGet, ts.URL+"/training/jobs/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", out["kind"])
}

func TestWorkerClaimFlow(t *testing.T) {
	ts, _ := setupServer(t, testServerConfig())

	// Empty queue: 204.
	status, _ := doJSON(t, http.MethodPost, ts.URL+"/workers/w1/claim",
		map[string]any{"queue": "default"}, nil)
	require.Equal(t, http.StatusNoContent, status)

	id := submitViaAPI(t, ts.URL, "misc.job")
	status, out := doJSON(t, http.MethodPost, ts.URL+"/workers/w1/claim",
		map[string]any{"queue": "default"}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, id, out["id"])
	require.Equal(t, "running", out["status"])
	require.Equal(t, "w1", out["lease_owner"])

	// The claim shows up in the worker's assigned list.
	status, out = doJSON(t, http.MethodGet, ts.URL+"/workers/w1/jobs", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out["jobs"].([]any), 1)
}

func TestLeaseHeartbeatReportsCancel(t *testing.T) {
	ts, _ := setupServer(t, testServerConfig())

	id := submitViaAPI(t, ts.URL, "misc.job")
	status, _ := doJSON(t, http.MethodPost, ts.URL+"/workers/w1/claim", map[string]any{"queue": "default"}, nil)
	require.Equal(t, http.StatusOK, status)

	status, out := doJSON(t, http.MethodPost, ts.URL+"/training/jobs/"+id+"/lease",
		map[string]any{"worker_id": "w1"}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, out["cancel_requested"])

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/training/jobs/"+id+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, status)

	status, out = doJSON(t, http.MethodPost, ts.URL+"/training/jobs/"+id+"/lease",
		map[string]any{"worker_id": "w1"}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, out["cancel_requested"])

	// Wrong worker: 409.
	status, out = doJSON(t, http.MethodPost, ts.URL+"/training/jobs/"+id+"/lease",
		map[string]any{"worker_id": "w2"}, nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "conflict", out["kind"])
}

func TestCompleteAndFailEndpoints(t *testing.T) {
	ts, _ := setupServer(t, testServerConfig())

	done := submitViaAPI(t, ts.URL, "misc.a")
	status, _ := doJSON(t, http.MethodPost, ts.URL+"/workers/w1/claim", map[string]any{"queue": "default"}, nil)
	require.Equal(t, http.StatusOK, status)
	status, out := doJSON(t, http.MethodPost, ts.URL+"/training/jobs/"+done+"/complete",
		map[string]any{"worker_id": "w1", "result": map[string]any{"loss": 0.2}}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "done", out["status"])

	failed := submitViaAPI(t, ts.URL, "misc.b")
	status, _ = doJSON(t, http.MethodPost, ts.URL+"/workers/w1/claim", map[string]any{"queue": "default"}, nil)
	require.Equal(t, http.StatusOK, status)
	status, out = doJSON(t, http.MethodPost, ts.URL+"/training/jobs/"+failed+"/fail",
		map[string]any{"worker_id": "w1", "error": "boom", "kind": "permanent"}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "failed", out["status"])
	require.Equal(t, "boom", out["error"])

	// Retry returns it to pending with the error cleared.
	status, out = doJSON(t, http.MethodPost, ts.URL+"/training/jobs/"+failed+"/retry", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "pending", out["status"])
	require.Nil(t, out["error"])
}

func TestCancelTerminalIsNoOp(t *testing.T) {
	ts, _ := setupServer(t, testServerConfig())

	id := submitViaAPI(t, ts.URL, "misc.a")
	status, _ := doJSON(t, http.MethodPost, ts.URL+"/workers/w1/claim", map[string]any{"queue": "default"}, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, http.MethodPost, ts.URL+"/training/jobs/"+id+"/complete",
		map[string]any{"worker_id": "w1"}, nil)
	require.Equal(t, http.StatusOK, status)

	status, out := doJSON(t, http.MethodPost, ts.URL+"/training/jobs/"+id+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "done", out["status"])
}

func TestPauseResumeEndpoints(t *testing.T) {
	ts, _ := setupServer(t, testServerConfig())

	id := submitViaAPI(t, ts.URL, "misc.a")
	status, _ := doJSON(t, http.MethodPost, ts.URL+"/workers/w1/claim", map[string]any{"queue": "default"}, nil)
	require.Equal(t, http.StatusOK, status)

	status, out := doJSON(t, http.MethodPost, ts.URL+"/training/jobs/"+id+"/pause", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "paused", out["status"])

	status, out = doJSON(t, http.MethodPost, ts.URL+"/training/jobs/"+id+"/resume", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "running", out["status"])

	// Pausing a non-running job conflicts.
	status, out = doJSON(t, http.MethodPost, ts.URL+"/training/jobs/missing/pause", nil, nil)
	require.Equal(t, http.StatusNotFound, status)
	_ = out
}

func TestSchedulerSnapshot(t *testing.T) {
	ts, _ := setupServer(t, testServerConfig())

	submitViaAPI(t, ts.URL, "misc.a")
	submitViaAPI(t, ts.URL, "misc.b")
	status, _ := doJSON(t, http.MethodPost, ts.URL+"/workers/w1/claim", map[string]any{"queue": "default"}, nil)
	require.Equal(t, http.StatusOK, status)

	status, out := doJSON(t, http.MethodGet, ts.URL+"/training/scheduler", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(1), out["running"])
	require.Equal(t, float64(1), out["pending"])

	// The claim heartbeated w1 into the registry.
	require.Equal(t, float64(1), out["workers_active"])
	// One queue with cap 5 and one running job.
	require.Equal(t, float64(20), out["capacity_pct"])

	queues := out["queues"].(map[string]any)
	q := queues["default"].(map[string]any)
	require.Equal(t, float64(1), q["running"])
	require.Equal(t, float64(5), q["cap"])
	require.Equal(t, float64(20), q["capacity_pct"])
}

func TestDatabaseUnavailableMapsTo503(t *testing.T) {
	ts, st := setupServer(t, testServerConfig())

	// Closing the pool makes every store call fail with an availability
	// error rather than a bad request.
	require.NoError(t, st.DB().Close())

	status, out := doJSON(t, http.MethodGet, ts.URL+"/training/jobs", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "unavailable", out["kind"])
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := setupServer(t, testServerConfig())
	status, out := doJSON(t, http.MethodGet, ts.URL+"/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", out["status"])
}

func TestAPIKeyEnforcement(t *testing.T) {
	cfg := testServerConfig()
	cfg.APIKey = "secret"
	ts, _ := setupServer(t, cfg)

	status, out := doJSON(t, http.MethodGet, ts.URL+"/training/jobs", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "unauthorized", out["kind"])

	status, _ = doJSON(t, http.MethodGet, ts.URL+"/training/jobs", nil,
		map[string]string{"X-API-KEY": "wrong"})
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = doJSON(t, http.MethodGet, ts.URL+"/training/jobs", nil,
		map[string]string{"X-API-KEY": "secret"})
	require.Equal(t, http.StatusOK, status)

	// Health stays open for probes.
	status, _ = doJSON(t, http.MethodGet, ts.URL+"/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
}
