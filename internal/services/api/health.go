package api

import (
	"context"
	"net/http"
	"time"
)

type healthCheck struct {
	name     string
	required bool
	ping     func(context.Context) error
}

// HealthReport is the body of /healthz.
type HealthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

const healthTimeout = 2 * time.Second

// Health pings every dependency. The status is "down" when a required one
// fails and "degraded" when only optional ones do.
func (s *Service) Health(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	rep := HealthReport{Status: "ok", Components: make(map[string]string, len(s.checks))}
	for _, c := range s.checks {
		if err := c.ping(ctx); err != nil {
			rep.Components[c.name] = err.Error()
			if c.required {
				rep.Status = "down"
			} else if rep.Status == "ok" {
				rep.Status = "degraded"
			}
			continue
		}
		rep.Components[c.name] = "ok"
	}
	return rep
}

// Ready reports whether every required dependency answers.
func (s *Service) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	for _, c := range s.checks {
		if c.required && c.ping(ctx) != nil {
			return false
		}
	}
	return true
}

// GET /healthz: always 200, the body tells what is wrong.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Health(r.Context()))
}

// GET /readyz: 200 only if the required dependencies are up.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	type resp struct {
		Ready bool `json:"ready"`
	}
	ready := h.svc.Ready(r.Context())
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp{Ready: ready})
}
