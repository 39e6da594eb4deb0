package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// APIError represents a non-2xx response from the orchestrator API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// ErrUnauthorized is returned when the orchestrator responds 401. The worker
// must stop: its credentials are missing or wrong.
var ErrUnauthorized = errors.New("unauthorized: API key required or invalid")

// ErrConflict is returned on 409: the worker lost its lease or raced another
// transition. The current job should be abandoned.
var ErrConflict = errors.New("conflict: lease lost or illegal transition")

// Client is a small HTTP client for the orchestrator API used by workers.
type Client struct {
	httpClient *http.Client
	baseURL    string
	workerID   string
	apiKey     string
}

// NewClient constructs a Client from the worker Config.
func NewClient(cfg *Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    cfg.APIURL,
		workerID:   cfg.WorkerID,
		apiKey:     cfg.APIKey,
	}
}

// Job is the worker-side view of a leased job.
type Job struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	Queue           string          `json:"queue"`
	Payload         json.RawMessage `json:"payload"`
	Status          string          `json:"status"`
	Attempts        int64           `json:"attempts"`
	CancelRequested bool            `json:"cancel_requested"`
	LeaseUntil      string          `json:"lease_until,omitempty"`
}

// LeaseState is the response to a lease heartbeat.
type LeaseState struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"`
	CancelRequested bool   `json:"cancel_requested"`
	LeaseUntil      string `json:"lease_until"`
}

// doRequest performs an HTTP request, marshaling reqBody (if not nil) and
// unmarshaling the response into respBody (if not nil). Returns *APIError
// for non-2xx responses; 401 and 409 map to their sentinels.
func (c *Client) doRequest(ctx context.Context, method, p string, reqBody, respBody any) (int, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return 0, fmt.Errorf("invalid base url: %w", err)
	}
	base.Path = path.Join(base.Path, p)

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, base.String(), body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return resp.StatusCode, ErrUnauthorized
		case http.StatusConflict:
			return resp.StatusCode, ErrConflict
		}
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBytes, &apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = string(respBytes)
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if respBody != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, respBody); err != nil {
			return resp.StatusCode, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Heartbeat refreshes the worker's registry heartbeat.
func (c *Client) Heartbeat(ctx context.Context, hostname string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/workers/"+c.workerID+"/heartbeat",
		map[string]string{"hostname": hostname}, nil)
	return err
}

// Claim asks for the next job in a queue. Returns nil when nothing is
// eligible (204).
func (c *Client) Claim(ctx context.Context, queue string) (*Job, error) {
	var job Job
	status, err := c.doRequest(ctx, http.MethodPost, "/workers/"+c.workerID+"/claim",
		map[string]string{"queue": queue}, &job)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &job, nil
}

// AssignedJobs lists jobs the scheduler pushed to this worker.
func (c *Client) AssignedJobs(ctx context.Context) ([]Job, error) {
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	if _, err := c.doRequest(ctx, http.MethodGet, "/workers/"+c.workerID+"/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Lease renews the lease on a job and reports the orchestrator's view of it.
func (c *Client) Lease(ctx context.Context, jobID string) (*LeaseState, error) {
	var state LeaseState
	_, err := c.doRequest(ctx, http.MethodPost, "/training/jobs/"+jobID+"/lease",
		map[string]string{"worker_id": c.workerID}, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Progress reports a progress event for a running job.
func (c *Client) Progress(ctx context.Context, jobID string, data map[string]any) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/training/jobs/"+jobID+"/progress",
		map[string]any{"worker_id": c.workerID, "data": data}, nil)
	return err
}

// Complete finishes a job with an optional result.
func (c *Client) Complete(ctx context.Context, jobID string, result map[string]any) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/training/jobs/"+jobID+"/complete",
		map[string]any{"worker_id": c.workerID, "result": result}, nil)
	return err
}

// Fail reports a failure with its kind (transient, permanent or cancelled).
func (c *Client) Fail(ctx context.Context, jobID, errMsg, kind string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/training/jobs/"+jobID+"/fail",
		map[string]any{"worker_id": c.workerID, "error": errMsg, "kind": kind}, nil)
	return err
}
