// Package handler holds the ops HTTP handlers.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probe checks one dependency. Postgres, Redis and S3 clients all expose a
// method with this shape.
type Probe func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	probes  map[string]Probe
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler. Each probe runs on every
// request with timeout applied.
func NewHealthHandler(probes map[string]Probe, timeout time.Duration, logger *slog.Logger) *HealthHandler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthHandler{
		probes:  probes,
		timeout: timeout,
		now:     time.Now,
		logger:  logger,
	}
}

// HealthCheck reports "ok" when every probe passes and 503 "degraded"
// otherwise, with the failing probes listed.
// GET /healthz
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed = map[string]string{}
	)
	for name, probe := range h.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := probe(ctx); err != nil {
				mu.Lock()
				failed[name] = err.Error()
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if len(failed) > 0 {
		resp.Status = "degraded"
		resp.Failed = failed
		status = http.StatusServiceUnavailable
		h.logger.WarnContext(r.Context(), "health check failed", slog.Int("failed", len(failed)))
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Failed    map[string]string `json:"failed,omitempty"`
}
