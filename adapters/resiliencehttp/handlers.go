// Package resiliencehttp exposes the Manager facade over HTTP with the
// documented error-to-status mapping.
package resiliencehttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	resilience "github.com/gridfuse/resilience"
	"github.com/gridfuse/resilience/models"
)

type errorEnvelope struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StatusCode maps a facade error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, models.ErrCompliance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrAllFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	var rle *models.RateLimitError
	if errors.As(err, &rle) {
		seconds := int(rle.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Kind: models.ErrorKind(err), Message: err.Error()})
}

// NewRequestHandler serves POST requests carrying a JSON DataRequest body.
func NewRequestHandler(m *resilience.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req models.DataRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, &models.ValidationError{Field: "body", Reason: err.Error()})
			return
		}
		resp, err := m.ExecuteRequest(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// NewStatusHandler serves the aggregate Status view.
func NewStatusHandler(m *resilience.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(m.Status())
	})
}

// NewHealthHandler serves the component health aggregation.
func NewHealthHandler(m *resilience.Manager) http.Handler { return m.HealthHandler() }

// NewMetricsHandler serves Prometheus metrics, 404 when disabled.
func NewMetricsHandler(m *resilience.Manager) http.Handler {
	if h := m.MetricsHandler(); h != nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
}
