// Package api implements the Coordinator's HTTP REST surface. It uses Chi as
// the router and exposes the peer-facing resources under /api/v1, with
// /health and /metrics left public. Every /api/v1 request is authenticated by
// the HMAC signature middleware; role and ownership checks happen per
// handler, since most routes are shared between clients and workers acting
// on the same job resource.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// maxBodyBytes caps inbound request bodies. The signature middleware reads
// the full body to hash it, so the cap is enforced there as well as in
// decodeJSON.
const maxBodyBytes = 1 << 20

// envelope is the standard JSON response wrapper for all API responses.
// Successful responses wrap the payload in a "data" key; error responses
// use an "error" key with a human-readable message and a stable code.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 Created response with the payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// errJSON writes a JSON error response with the given status, message and
// error code. Code is a machine-readable string (e.g. "not_found",
// "validation_error") that clients branch on; the message is for humans.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrValidation writes a 400 response for requests that are syntactically or
// semantically invalid: unknown binary, malformed argv, bad query parameter.
func ErrValidation(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "validation_error")
}

// ErrUnauthorized writes a 401 response. Every authentication failure
// surfaces through this one shape; the specific reason is only logged.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication rejected", "auth_rejected")
}

// ErrForbidden writes a 403 response for role or ownership mismatches.
func ErrForbidden(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, "insufficient permissions", "forbidden")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// ErrConflict writes a 409 response: a conditional state transition found
// the row in a different state. The caller may re-read and retry.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

// ErrTransientStorage writes a 503 response for momentary storage failures.
// The peer is expected to retry with backoff.
func ErrTransientStorage(w http.ResponseWriter) {
	errJSON(w, http.StatusServiceUnavailable, "storage temporarily unavailable", "transient_storage")
}

// ErrInternal writes a 500 Internal Server Error response.
// The internal error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrValidation(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// isTransientStorage reports whether err looks like a momentary storage
// failure (engine busy, statement timeout) rather than a logic error. SQLite
// surfaces write contention as a busy/locked error string; there is no typed
// value to test for across drivers.
func isTransientStorage(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "busy")
}

// retryTransient runs fn up to three times, pausing a short jittered interval
// between attempts when the failure looks transient. Used on the hot worker
// paths (log append, progress) where a briefly busy engine should not bubble
// up as a 5xx.
func retryTransient(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil || !isTransientStorage(err) || ctx.Err() != nil {
			return err
		}
		select {
		case <-time.After(time.Duration(20+rand.Intn(30)) * time.Millisecond << attempt):
		case <-ctx.Done():
			return err
		}
	}
	return err
}
