// Package httpserver contains HTTP handlers and middleware.
//
// It provides REST API endpoints for the prompt dispatch service: job
// admission, job/batch status, and health. The package follows clean
// architecture principles and keeps HTTP concerns separate from the
// usecase layer.
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dispatchkit/promptdispatch/internal/domain"
	obsctx "github.com/dispatchkit/promptdispatch/internal/observability"
)

// internalErrorMessage is returned to clients for INTERNAL_ERROR instead of
// the underlying error string (spec §2.2): internals must never leak raw
// error text.
const internalErrorMessage = "an internal error occurred"

// errBadRequest marks malformed requests the handler itself rejects
// (missing X-Request-Id, unparsable JSON) as distinct from domain
// validation failures, which surface as VALIDATION_ERROR instead.
var errBadRequest = errors.New("bad request")

type envelope struct {
	Data interface{} `json:"data"`
	Meta meta        `json:"meta"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
	Meta  meta     `json:"meta"`
}

type meta struct {
	RequestID        string `json:"requestId"`
	ProcessingTimeMs int64  `json:"processingTimeMs,omitempty"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// writeData wraps v in the success envelope (spec §6): {data, meta}.
func writeData(w http.ResponseWriter, r *http.Request, status int, start time.Time, v interface{}) {
	writeJSON(w, status, envelope{Data: v, Meta: meta{
		RequestID:        obsctx.RequestIDFromContext(r.Context()),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy (spec §7) onto the error
// envelope and status/code table (spec §6).
func writeError(w http.ResponseWriter, r *http.Request, err error, details interface{}) {
	code, codeStr := classify(err)
	msg := err.Error()
	if codeStr == "INTERNAL_ERROR" {
		slog.Error("internal error", slog.Any("error", err),
			slog.String("requestId", obsctx.RequestIDFromContext(r.Context())))
		msg = internalErrorMessage
	}
	writeJSON(w, code, errorEnvelope{
		Error: apiError{Code: codeStr, Message: msg, Details: details},
		Meta:  meta{RequestID: obsctx.RequestIDFromContext(r.Context())},
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrPreconditionFailed):
		return http.StatusPreconditionFailed, "PRECONDITION_FAILED"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, domain.ErrUpstreamExhausted):
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
