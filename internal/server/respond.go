package server

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/garnizeh/trainflow/internal/store"
)

// errorBody is the uniform error response shape.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

// writeStoreError maps store sentinels to their HTTP statuses: ErrNotFound
// to 404, ErrConflict to 409, transient database unavailability to 503,
// everything else to 500.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", "not_found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error(), "conflict")
	case isUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "unavailable")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "internal")
	}
}

// isUnavailable reports whether the error means the database cannot serve
// the request right now rather than that the request itself is wrong. The
// sqlite driver surfaces lock contention past busy_timeout as SQLITE_BUSY
// in the error text, and database/sql has no exported sentinel for a
// closed pool.
func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is closed")
}

// decodeJSON decodes a request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
