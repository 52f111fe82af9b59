package runtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/metrics"
)

// newHTTPServer builds the observability server: Prometheus metrics,
// the probe routes, and the stats snapshot on one port.
func (r *Runtime) newHTTPServer() *http.Server {
	mux := http.NewServeMux()
	if r.cfg.Observability.MetricsEnabled {
		mux.Handle("/metrics", metrics.Handler())
	}
	mux.HandleFunc("/health", r.checker.DetailedHandler(r.version))
	mux.HandleFunc("/health/live", r.checker.LiveHandler())
	mux.HandleFunc("/health/ready", r.checker.ReadyHandler())
	mux.HandleFunc("/stats", r.statsHandler)

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", r.cfg.Observability.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (r *Runtime) statsHandler(w http.ResponseWriter, req *http.Request) {
	stats := r.Stats(req.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to encode stats response")
	}
}
