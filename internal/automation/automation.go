// Package automation adapts the lifecycle engine to external keeper
// networks through a two-phase check/perform protocol: a cheap read-only
// scan for pending work, then idempotent execution of the returned batch.
package automation

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pluvio/settlement-engine/internal/model"
)

// Engine is the slice of the lifecycle service the adapter drives.
type Engine interface {
	PendingWork(ctx context.Context) ([]model.WorkItem, error)
	PerformWork(ctx context.Context, items []model.WorkItem) []model.WorkResult
}

// Adapter bridges keeper calls to the engine.
type Adapter struct {
	engine Engine
}

// New creates an adapter over the given engine.
func New(engine Engine) *Adapter {
	return &Adapter{engine: engine}
}

// CheckWork reports whether any positions need processing and returns the
// bounded batch to process. Read-only: calling it changes nothing.
func (a *Adapter) CheckWork(ctx context.Context) (bool, []model.WorkItem, error) {
	items, err := a.engine.PendingWork(ctx)
	if err != nil {
		return false, nil, err
	}
	return len(items) > 0, items, nil
}

// PerformWork executes a batch of work items. Items that were already
// processed by another caller come back as no-ops, and one item's failure
// never stops the rest of the batch.
func (a *Adapter) PerformWork(ctx context.Context, items []model.WorkItem) []model.WorkResult {
	results := a.engine.PerformWork(ctx, items)

	var failed int
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		slog.Warn("automation batch completed with failures",
			"total", len(results), "failed", failed)
	}
	return results
}

// HandleCheck handles GET /api/v1/work.
func (a *Adapter) HandleCheck(w http.ResponseWriter, r *http.Request) {
	needed, items, err := a.CheckWork(r.Context())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"work_needed": needed,
		"items":       items,
	})
}

// HandlePerform handles POST /api/v1/work. With an empty body the adapter
// re-scans and performs whatever is currently pending; with an explicit
// item list it performs exactly those items.
func (a *Adapter) HandlePerform(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []model.WorkItem `json:"items"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
			return
		}
	}

	items := req.Items
	if len(items) == 0 {
		_, pending, err := a.CheckWork(r.Context())
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		items = pending
	}

	results := a.PerformWork(r.Context(), items)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"results": results,
		"count":   len(results),
	})
}
