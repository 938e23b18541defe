package api

import (
	"context"
	"net/http"
	"time"

	"github.com/lalithlochan/notekeeper/internal/circuitbreaker"
)

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type SchedulerStatus interface {
	Running() bool
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Checks    map[string]string      `json:"checks"`
	Scheduler *SchedulerHealth       `json:"scheduler,omitempty"`
	Breakers  []circuitbreaker.Stats `json:"breakers,omitempty"`
}

type SchedulerHealth struct {
	Running bool `json:"running"`
}

// HealthHandler reports 200 when every check passes and 503 otherwise.
// Breaker state and the scheduler are informational.
type HealthHandler struct {
	checks    []HealthCheck
	scheduler SchedulerStatus
	breakers  []*circuitbreaker.Breaker
}

func NewHealthHandler(scheduler SchedulerStatus, breakers []*circuitbreaker.Breaker, checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{
		checks:    checks,
		scheduler: scheduler,
		breakers:  breakers,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status: "ok",
		Checks: make(map[string]string, len(h.checks)),
	}
	status := http.StatusOK

	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	if h.scheduler != nil {
		resp.Scheduler = &SchedulerHealth{Running: h.scheduler.Running()}
	}
	for _, b := range h.breakers {
		resp.Breakers = append(resp.Breakers, b.Stats())
	}

	writeJSON(w, status, resp)
}
