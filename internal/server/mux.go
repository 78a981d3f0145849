// Package server builds the local HTTP surface of roomsync: Prometheus
// metrics, a health check and read-only scope snapshots.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexjbarnes/roomsync/internal/models"
)

// Snapshots exposes the current state of mounted scopes.
type Snapshots interface {
	Snapshot(scopeID string) (models.Snapshot, bool)
}

// MuxConfig holds dependencies for building the HTTP mux. ScopeIDs is
// called on every request so reloaded scopes show up.
type MuxConfig struct {
	Snapshots Snapshots
	ScopeIDs  func() []string
	Logger    *slog.Logger
}

type scopeStatus struct {
	ID          string `json:"id"`
	Connected   bool   `json:"connected"`
	Items       int    `json:"items"`
	HasMore     bool   `json:"hasMore"`
	LoadFailed  bool   `json:"loadFailed"`
	UnreadCount int    `json:"unreadCount"`
	LastPreview string `json:"lastPreview,omitempty"`
}

// NewMux builds the HTTP mux with /metrics, /healthz and /scopes.
// /healthz answers 503 while any scope is offline.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", handleHealth(cfg))
	mux.HandleFunc("GET /scopes", handleScopes(cfg))

	return mux
}

func handleHealth(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var offline []string

		ids := cfg.ScopeIDs()
		for _, id := range ids {
			if snap, ok := cfg.Snapshots.Snapshot(id); !ok || !snap.Connected {
				offline = append(offline, id)
			}
		}

		status := http.StatusOK
		if len(offline) > 0 {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, map[string]any{
			"ok":      len(offline) == 0,
			"offline": offline,
		}, cfg.Logger)
	}
}

func handleScopes(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		ids := cfg.ScopeIDs()
		out := make([]scopeStatus, 0, len(ids))

		for _, id := range ids {
			snap, ok := cfg.Snapshots.Snapshot(id)
			if !ok {
				out = append(out, scopeStatus{ID: id})
				continue
			}

			out = append(out, scopeStatus{
				ID:          id,
				Connected:   snap.Connected,
				Items:       len(snap.Items),
				HasMore:     snap.HasMore,
				LoadFailed:  snap.LoadFailed,
				UnreadCount: snap.UnreadCount,
				LastPreview: snap.LastMessagePreview,
			})
		}

		writeJSON(w, http.StatusOK, out, cfg.Logger)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("writing response", slog.String("error", err.Error()))
	}
}
