package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/reflectd/internal/sample"
	"github.com/kalambet/reflectd/internal/storage"
)

func handleListResults(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := deps.Results.SortedKeys()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to list results: %v", err)
			return
		}
		if keys == nil {
			keys = []sample.Key{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count": len(keys),
			"keys":  keys,
		})
	}
}

func handleGetResult(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := sample.Key(chi.URLParam(r, "key"))

		res, err := deps.Results.Get(key)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no result for %q", key)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to read result: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

// RunView is the JSON form of a recorded reconciliation run.
type RunView struct {
	ID             string            `json:"id"`
	Trigger        string            `json:"trigger"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	DurationMs     int64             `json:"duration_ms"`
	ProcessedCount int               `json:"processed_count"`
	ProcessedKeys  []string          `json:"processed_keys"`
	Failed         map[string]string `json:"failed,omitempty"`
	Error          string            `json:"error,omitempty"`
}

func newRunView(run storage.ReconcileRun) RunView {
	v := RunView{
		ID:             run.ID,
		Trigger:        run.Trigger,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
		DurationMs:     run.FinishedAt.Sub(run.StartedAt).Milliseconds(),
		ProcessedCount: run.ProcessedCount,
		ProcessedKeys:  []string{},
		Error:          run.Error,
	}
	// Malformed columns degrade to empty values rather than failing the listing.
	if run.ProcessedKeys != "" {
		_ = json.Unmarshal([]byte(run.ProcessedKeys), &v.ProcessedKeys)
	}
	if run.Failed != "" {
		_ = json.Unmarshal([]byte(run.Failed), &v.Failed)
	}
	if len(v.Failed) == 0 {
		v.Failed = nil
	}
	return v
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		if limit == 0 {
			limit = 20
		}

		runs, err := deps.Runs.ListRuns(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to list runs: %v", err)
			return
		}

		views := make([]RunView, len(runs))
		for i, run := range runs {
			views[i] = newRunView(run)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}
