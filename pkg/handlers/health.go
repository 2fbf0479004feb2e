// Package handlers provides the cross-cutting HTTP endpoints: health,
// ping, and the metrics snapshot.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"wanderer-kills/pkg/module"
)

// HealthResponse aggregates per-module health.
type HealthResponse struct {
	Status  module.Status                  `json:"status"`
	Modules map[string]module.HealthStatus `json:"modules"`
}

// HealthHandler reports aggregate health across all modules. Any unhealthy
// module makes the whole response a 503; degraded modules keep a 200 with
// status "degraded".
func HealthHandler(modules []module.Module) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthResponse{
			Status:  module.StatusHealthy,
			Modules: make(map[string]module.HealthStatus, len(modules)),
		}

		code := http.StatusOK
		for _, m := range modules {
			health := m.Health()
			response.Modules[m.Name()] = health
			switch health.Status {
			case module.StatusUnhealthy:
				response.Status = module.StatusUnhealthy
				code = http.StatusServiceUnavailable
			case module.StatusDegraded:
				if response.Status == module.StatusHealthy {
					response.Status = module.StatusDegraded
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			slog.Error("Failed to encode health response", "error", err)
		}
	}
}

// PingHandler answers liveness probes.
func PingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}
}
