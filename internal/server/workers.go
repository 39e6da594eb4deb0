package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleWorkerHeartbeat handles POST /workers/{id}/heartbeat. Registers the
// worker on first contact.
func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Hostname string `json:"hostname"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
			return
		}
	}

	if err := s.registry.Heartbeat(r.Context(), id, req.Hostname); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"worker_id": id})
}

// handleWorkerClaim handles POST /workers/{id}/claim: the pull path for
// workers. 200 with the claimed job, 204 when nothing is eligible.
func (s *Server) handleWorkerClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Queue string `json:"queue"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
			return
		}
	}

	// A claim counts as liveness: keep the registry fresh so the scheduler
	// sees pull-only workers too.
	if err := s.registry.Heartbeat(r.Context(), id, ""); err != nil {
		writeStoreError(w, err)
		return
	}

	job, err := s.ctrl.Claim(r.Context(), req.Queue, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

// handleWorkerJobs handles GET /workers/{id}/jobs: the running jobs currently
// leased to this worker, so scheduler-assigned work is discoverable.
func (s *Server) handleWorkerJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListJobsByOwner(r.Context(), chi.URLParam(r, "id"))
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
