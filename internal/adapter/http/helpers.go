package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain"
	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

const (
	maxRequestBodySize = 1 << 20 // 1 MB
	defaultListLimit   = 50
	maxListLimit       = 500
)

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit. Errors that wrap
// domain.ErrValidation (strict policy decoding) keep their message.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, domain.ErrValidation):
			writeDomainError(w, err, "")
		default:
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// queryLimit parses the "limit" query parameter.
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

// actor names the caller of an admin write for the policy audit trail.
func actor(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get("X-User-ID")); u != "" {
		return u
	}
	return "api"
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorStatus maps the error taxonomy onto HTTP status codes.
func errorStatus(err error) int {
	var ce *orchestration.ClassificationError
	switch {
	case errors.As(err, &ce), errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, orchestration.ErrEmptyPipeline):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestration.ErrOrchestrationFailed):
		return http.StatusBadGateway
	case errors.Is(err, orchestration.ErrCancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error, notFoundMsg string) {
	status := errorStatus(err)
	switch status {
	case http.StatusBadRequest:
		msg := strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
		writeError(w, status, msg)
	case http.StatusNotFound:
		writeError(w, status, notFoundMsg)
	case http.StatusConflict:
		writeError(w, status, "resource was modified by another request")
	case http.StatusInternalServerError:
		writeInternalError(w, err)
	default:
		writeError(w, status, err.Error())
	}
}

// writeInternalError logs the actual error server-side and returns a generic message to the client.
func writeInternalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
