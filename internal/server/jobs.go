package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/garnizeh/trainflow/internal/jobs"
	"github.com/garnizeh/trainflow/internal/store"
)

// jobView is the JSON shape of a job in API responses.
type jobView struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	Queue           string          `json:"queue"`
	Priority        int64           `json:"priority"`
	Payload         json.RawMessage `json:"payload"`
	Status          string          `json:"status"`
	Attempts        int64           `json:"attempts"`
	CancelRequested bool            `json:"cancel_requested"`
	LeaseOwner      *string         `json:"lease_owner,omitempty"`
	LeaseUntil      *string         `json:"lease_until,omitempty"`
	Error           *string         `json:"error,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

type eventView struct {
	ID    int64           `json:"id"`
	TS    string          `json:"ts"`
	Event json.RawMessage `json:"event"`
}

func toJobView(j *store.Job) jobView {
	v := jobView{
		ID:              j.ID,
		Kind:            j.Kind,
		Queue:           j.Queue,
		Priority:        j.Priority,
		Payload:         j.Payload,
		Status:          string(j.Status),
		Attempts:        j.Attempts,
		CancelRequested: j.CancelRequested,
		CreatedAt:       j.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:       j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.LeaseOwner.Valid {
		v.LeaseOwner = &j.LeaseOwner.String
	}
	if j.LeaseUntil.Valid {
		t := j.LeaseUntil.Time.Format(time.RFC3339Nano)
		v.LeaseUntil = &t
	}
	if j.Error.Valid {
		v.Error = &j.Error.String
	}
	return v
}

// handleSubmitJob handles POST /training/jobs.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind     string          `json:"kind"`
		Queue    string          `json:"queue"`
		Priority int64           `json:"priority"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}

	job, err := s.ctrl.Submit(r.Context(), jobs.SubmitRequest{
		Kind:     req.Kind,
		Queue:    req.Queue,
		Priority: req.Priority,
		Payload:  req.Payload,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	writeJSON(w, http.StatusCreated, toJobView(job))
}

// handleListJobs handles GET /training/jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "bad_request")
			return
		}
		limit = n
	}

	list, err := s.store.ListJobs(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]jobView, 0, len(list))
	for _, j := range list {
		out = append(out, toJobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// handleGetJob handles GET /training/jobs/{id} with the event log embedded.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	events, err := s.store.ListJobEvents(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	evs := make([]eventView, 0, len(events))
	for _, e := range events {
		evs = append(evs, eventView{ID: e.ID, TS: e.TS.Format(time.RFC3339Nano), Event: e.Event})
	}
	writeJSON(w, http.StatusOK, struct {
		jobView
		Events []eventView `json:"events"`
	}{toJobView(job), evs})
}

// handleCancelJob handles POST /training/jobs/{id}/cancel. Cancelling a
// terminal job is a no-op that reports the current status.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, _, err := s.ctrl.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

// handleRetryJob handles POST /training/jobs/{id}/retry.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ctrl.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

// handlePauseJob handles POST /training/jobs/{id}/pause.
func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ctrl.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

// handleResumeJob handles POST /training/jobs/{id}/resume.
func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ctrl.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

// handleSchedulerSnapshot handles GET /training/scheduler: per-queue running
// and pending counts, live dataset locks, active workers, and capacity
// utilisation overall and per queue.
func (s *Server) handleSchedulerSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Snapshot(r.Context(), time.Now().UTC())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	workers, err := s.registry.ListActive(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	type queueView struct {
		Running     int64   `json:"running"`
		Pending     int64   `json:"pending"`
		Cap         int     `json:"cap"`
		CapacityPct float64 `json:"capacity_pct"`
	}
	queues := make(map[string]queueView, len(snap.Queues))
	var totalCap int
	for name, qc := range snap.Queues {
		qv := queueView{Running: qc.Running, Pending: qc.Pending, Cap: s.cfg.QueueCap(name)}
		if qv.Cap > 0 {
			qv.CapacityPct = 100 * float64(qc.Running) / float64(qv.Cap)
		}
		totalCap += qv.Cap
		queues[name] = qv
	}
	var capacityPct float64
	if totalCap > 0 {
		capacityPct = 100 * float64(snap.Running) / float64(totalCap)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"running":         snap.Running,
		"pending":         snap.Pending,
		"locked_datasets": snap.LockedDatasets,
		"workers_active":  len(workers),
		"capacity_pct":    capacityPct,
		"queues":          queues,
	})
}
