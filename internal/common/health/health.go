// Package health implements the /q/health endpoints. Liveness reports that
// the process is running; readiness runs the registered dependency checks.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each dependency probe.
const checkTimeout = 5 * time.Second

// CheckFunc probes a single dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

type check struct {
	name string
	fn   CheckFunc
}

// Checker aggregates named readiness checks.
type Checker struct {
	mu     sync.RWMutex
	checks []check
}

func NewChecker() *Checker {
	return &Checker{}
}

// AddReadinessCheck registers a named dependency probe.
func (c *Checker) AddReadinessCheck(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check{name: name, fn: fn})
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status string        `json:"status"`
	Checks []checkResult `json:"checks,omitempty"`
}

// HandleLive always reports UP while the process can serve requests.
func (c *Checker) HandleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "UP"})
}

// HandleReady runs every registered check and reports 503 if any fails.
func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	c.respond(r.Context(), w)
}

// HandleHealth is the combined endpoint, equivalent to readiness.
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	c.respond(r.Context(), w)
}

func (c *Checker) respond(ctx context.Context, w http.ResponseWriter) {
	c.mu.RLock()
	checks := make([]check, len(c.checks))
	copy(checks, c.checks)
	c.mu.RUnlock()

	resp := healthResponse{Status: "UP"}
	status := http.StatusOK
	for _, ck := range checks {
		r := checkResult{Name: ck.name, Status: "UP"}
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		if err := ck.fn(probeCtx); err != nil {
			r.Status = "DOWN"
			r.Error = err.Error()
			resp.Status = "DOWN"
			status = http.StatusServiceUnavailable
		}
		cancel()
		resp.Checks = append(resp.Checks, r)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
