package monitoring

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// CheckFunc reports whether one subsystem is healthy
type CheckFunc func() error

// HealthChecker aggregates named liveness checks into one HTTP endpoint
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthChecker creates an empty checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]CheckFunc)}
}

// Register adds a named check
func (h *HealthChecker) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

type healthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler serves the aggregated health state. 200 when every check passes,
// 503 otherwise.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		checks := make(map[string]CheckFunc, len(h.checks))
		for name, check := range h.checks {
			checks[name] = check
		}
		h.mu.RUnlock()

		resp := healthResponse{
			Status:    "healthy",
			Checks:    make(map[string]string, len(checks)),
			Timestamp: time.Now(),
		}
		code := http.StatusOK
		for name, check := range checks {
			if err := check(); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "unhealthy"
				code = http.StatusServiceUnavailable
			} else {
				resp.Checks[name] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp)
	})
}
