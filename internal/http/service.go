package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mistakeknot/intercom/internal/coord"
	"github.com/mistakeknot/intercom/internal/core"
	"github.com/mistakeknot/intercom/internal/storage/sqlite"
)

// HealthChecker is implemented by stores that can report liveness.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// BreakerReporter is implemented by stores wrapped in a circuit breaker.
type BreakerReporter interface {
	CircuitBreakerState() string
}

type Service struct {
	coord  *coord.Service
	logger *slog.Logger
}

func NewService(c *coord.Service) *Service {
	return &Service{coord: c, logger: slog.Default().With("component", "http")}
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l.With("component", "http")
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.Invalid("decode request body: %v", err)
	}
	return nil
}

// writeError maps domain errors onto status codes. Deregistered parties are
// a 409 so clients can tell them from missing resources.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		conflict *core.ConflictError
		unknown  *coord.ErrUnknownTool
	)
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     "reservation_conflict",
			"message":   err.Error(),
			"conflicts": conflict.Conflicts,
		})
	case errors.Is(err, core.ErrDeregistered):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "deregistered", "message": err.Error()})
	case errors.As(err, &unknown), errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "message": err.Error()})
	case errors.Is(err, core.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_input", "message": err.Error()})
	case errors.Is(err, sqlite.ErrCircuitOpen):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable", "message": err.Error()})
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "message": err.Error()})
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	store := s.coord.Store()
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if hc, ok := store.(HealthChecker); ok {
		if err := hc.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unavailable"
			body["error"] = err.Error()
		}
	}
	if br, ok := store.(BreakerReporter); ok {
		body["circuit_breaker"] = br.CircuitBreakerState()
		if body["circuit_breaker"] == sqlite.StateOpen.String() {
			status = http.StatusServiceUnavailable
			body["status"] = "unavailable"
		}
	}
	writeJSON(w, status, body)
}
