package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Check reports whether one dependency is usable. Required checks gate
// readiness; optional ones are reported as degraded.
type Check struct {
	Name     string
	Required bool
	Probe    func(ctx context.Context) error
}

func Readiness(timeout time.Duration, checks ...Check) http.HandlerFunc {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks,omitempty"`
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		out := resp{Status: "ready", Checks: make(map[string]string, len(checks))}
		ready := true
		for _, c := range checks {
			if err := c.Probe(ctx); err != nil {
				if c.Required {
					ready = false
					out.Checks[c.Name] = "down: " + err.Error()
				} else {
					out.Checks[c.Name] = "degraded: " + err.Error()
				}
				continue
			}
			out.Checks[c.Name] = "ok"
		}
		if !ready {
			out.Status = "not_ready"
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
