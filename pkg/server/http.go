package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/meftunca/voxlink/pkg/config"
)

// HealthStatus is the body of the health endpoint.
type HealthStatus struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

// NewRouter serves the control websocket at "/" next to the health, metrics
// and debug endpoints.
func NewRouter(s *SocketServer, mon config.MonitoringConfig, started time.Time) *mux.Router {
	r := mux.NewRouter()

	if mon.Enabled {
		health := mon.HealthCheckPath
		if health == "" {
			health = "/health"
		}
		metrics := mon.MetricsPath
		if metrics == "" {
			metrics = "/metrics"
		}
		r.HandleFunc(health, func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, HealthStatus{
				Status:      "ok",
				Connections: s.ConnectionCount(),
				Uptime:      time.Since(started).Truncate(time.Second).String(),
			})
		}).Methods(http.MethodGet)
		r.Handle(metrics, s.metrics.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/players", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Connections())
	}).Methods(http.MethodGet)

	r.Handle("/", s)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
