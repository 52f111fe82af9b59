package health

import (
	"encoding/json"
	"net/http"
)

// LiveHandler answers liveness probes. It reports only that the
// process is serving, never backend state, so a broker outage cannot
// get the process restarted.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadyHandler answers readiness probes: 200 with "ready" while the
// aggregate is healthy or degraded, 503 with "not_ready" once any
// component is unhealthy.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Aggregate(r.Context())

		status := "ready"
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			status = "not_ready"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"status": status,
			"checks": report.Components,
		})
	}
}

// DetailedHandler serves the full component breakdown with the build
// version stamped in.
func (c *Checker) DetailedHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Aggregate(r.Context())

		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"status":        report.Status,
			"version":       version,
			"components":    report.Components,
			"healthy_count": report.HealthyCount,
			"total_count":   report.TotalCount,
			"checked_at":    report.CheckedAt,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
