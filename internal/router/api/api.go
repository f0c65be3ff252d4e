// Package api serves the router's monitoring surface: pipeline and pool
// snapshots, consumer health, and queue depths.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/router/manager"
)

// Deps are the components the API reads from.
type Deps struct {
	Manager   *manager.Manager
	Consumers *manager.ConsumerGroup
	Broker    queue.Broker
	Backend   string // backend name for the status payload
}

// NewRouter builds the monitoring routes.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/router/status", func(w http.ResponseWriter, req *http.Request) {
		snap := deps.Manager.Stats()
		status := map[string]any{
			"active":       snap.Active,
			"pipelineSize": snap.PipelineSize,
			"pools":        snap.Pools,
			"draining":     snap.Draining,
			"backend":      deps.Backend,
		}
		if deps.Consumers != nil {
			status["consumersHealthy"] = deps.Consumers.Healthy()
		}
		if deps.Broker != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
			defer cancel()
			if qm, err := deps.Broker.QueryMetrics(ctx); err == nil {
				status["queue"] = map[string]int64{
					"pending":   qm.Pending,
					"invisible": qm.Invisible,
				}
			}
		}
		writeJSON(w, status)
	})

	r.Get("/router/pools", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, deps.Manager.Stats().Pools)
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write API response", "error", err)
	}
}
