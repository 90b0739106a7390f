// Package httpserver contains HTTP handlers and middleware for the public
// analysis API. It keeps transport concerns (status mapping, headers,
// payload shapes) out of the usecase layer.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/observatory-hq/observatory/internal/adapter/observability"
	"github.com/observatory-hq/observatory/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error to its status code and the uniform error
// envelope. Internal failures are sanitized; the original error stays in the
// logs only.
func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	status := http.StatusInternalServerError
	kind := "internal"
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
		kind = "invalid_input"
	case errors.Is(err, domain.ErrInvalidCredential):
		status = http.StatusUnauthorized
		kind = "invalid_credential"
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusForbidden
		kind = "unauthorized"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		kind = "not_found"
		msg = "not found"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		kind = "conflict"
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
		kind = "rate_limited"
		msg = "rate limit exceeded"
	case errors.Is(err, domain.ErrBusy):
		status = http.StatusServiceUnavailable
		kind = "busy"
		msg = "service is at capacity, retry shortly"
		w.Header().Set("Retry-After", strconv.Itoa(busyRetryAfterSeconds))
	default:
		msg = "internal error"
		// The correlation id is the only detail safe to echo; it lets a caller
		// quote the exact failed request when reporting the problem.
		if id := observability.RequestIDFromContext(r.Context()); id != "" && details == nil {
			details = map[string]string{"request_id": id}
		}
		LoggerFrom(r).Error("request failed", "error", err)
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Kind: kind, Message: msg, Details: details}})
}

const busyRetryAfterSeconds = 10
