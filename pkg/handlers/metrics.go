package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"wanderer-kills/pkg/metrics"
	"wanderer-kills/pkg/version"
)

// MetricsResponse is the snapshot served at /metrics.
type MetricsResponse struct {
	Version string         `json:"version"`
	Metrics map[string]any `json:"metrics"`
}

// MetricsHandler serves a JSON snapshot of all counters and histograms.
func MetricsHandler(registry *metrics.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := MetricsResponse{
			Version: version.String(),
			Metrics: registry.Snapshot(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			slog.Error("Failed to encode metrics response", "error", err)
		}
	}
}
