package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthCheck is one named readiness probe: the backend being reachable,
// an attached cache responding to PING, and so on.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// FuncCheck adapts a plain function into a HealthCheck.
type FuncCheck struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c FuncCheck) Name() string                    { return c.CheckName }
func (c FuncCheck) Check(ctx context.Context) error { return c.Fn(ctx) }

// checkResult is one probe's outcome within a readiness response.
type checkResult struct {
	Status  string `json:"status"` // pass, fail
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// readyStatus is the /readyz response body.
type readyStatus struct {
	Status string                 `json:"status"` // ready, not_ready
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// RegisterCheck adds a readiness probe, run on every GET /readyz. Safe to
// call before or after Start.
func (s *Server) RegisterCheck(c HealthCheck) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks = append(s.checks, c)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	s.checksMu.RLock()
	checks := make([]HealthCheck, len(s.checks))
	copy(checks, s.checks)
	s.checksMu.RUnlock()

	out := readyStatus{Status: "ready", Checks: make(map[string]checkResult, len(checks))}
	for _, c := range checks {
		start := time.Now()
		err := c.Check(ctx)
		result := checkResult{Status: "pass", Latency: time.Since(start).String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			out.Status = "not_ready"
			s.logger.Warn("readiness check failed", zap.String("check", c.Name()), zap.Error(err))
		}
		out.Checks[c.Name()] = result
	}

	status := http.StatusOK
	if out.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, out)
}
