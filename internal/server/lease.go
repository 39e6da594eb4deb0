package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/garnizeh/trainflow/internal/jobs"
)

// handleLease handles POST /training/jobs/{id}/lease: the worker heartbeat on
// a claimed job. The response carries cancel_requested and the current status
// so the worker can react to cancels and pauses.
func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required", "bad_request")
		return
	}

	job, err := s.ctrl.Heartbeat(r.Context(), id, req.WorkerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var leaseUntil string
	if job.LeaseUntil.Valid {
		leaseUntil = job.LeaseUntil.Time.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":           job.ID,
		"status":           string(job.Status),
		"cancel_requested": job.CancelRequested,
		"lease_until":      leaseUntil,
	})
}

// handleProgress handles POST /training/jobs/{id}/progress: appends a
// progress event and renews the lease.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		WorkerID string         `json:"worker_id"`
		Data     map[string]any `json:"data"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required", "bad_request")
		return
	}

	job, err := s.ctrl.Progress(r.Context(), id, req.WorkerID, req.Data)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

// handleComplete handles POST /training/jobs/{id}/complete.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		WorkerID string         `json:"worker_id"`
		Result   map[string]any `json:"result"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required", "bad_request")
		return
	}

	job, err := s.ctrl.Complete(r.Context(), id, req.WorkerID, req.Result)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

// handleFail handles POST /training/jobs/{id}/fail. kind is one of
// transient, permanent or cancelled; unknown kinds are treated as permanent.
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		WorkerID string `json:"worker_id"`
		Error    string `json:"error"`
		Kind     string `json:"kind"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required", "bad_request")
		return
	}
	kind := strings.ToLower(strings.TrimSpace(req.Kind))
	if kind == "" {
		kind = jobs.FailPermanent
	}

	job, err := s.ctrl.Fail(r.Context(), id, req.WorkerID, req.Error, kind)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}
