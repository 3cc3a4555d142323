// Package api exposes reflectd over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/reflectd/internal/ingest"
	"github.com/kalambet/reflectd/internal/onboarding"
	"github.com/kalambet/reflectd/internal/sample"
	"github.com/kalambet/reflectd/internal/scheduler"
	"github.com/kalambet/reflectd/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Analyzer handles live uploads. Implemented by ingest.Service.
type Analyzer interface {
	Analyze(ctx context.Context, up ingest.Upload) (sample.Result, error)
}

// Reconciliation triggers manual runs under the scheduler's non-overlap
// guard. Implemented by scheduler.Scheduler.
type Reconciliation interface {
	TryRun(ctx context.Context, trigger string) (ingest.Outcome, error)
	Status() scheduler.Status
}

// ResultReader reads persisted results. Implemented by storage.ResultStore.
type ResultReader interface {
	Get(key sample.Key) (sample.Result, error)
	SortedKeys() ([]sample.Key, error)
}

// RunHistory lists recorded reconciliation runs. Implemented by storage.Store.
type RunHistory interface {
	ListRuns(limit int) ([]storage.ReconcileRun, error)
	LastRun() (storage.ReconcileRun, error)
}

// OnboardingConfigs reads and writes per-user onboarding documents.
// Implemented by onboarding.Manager.
type OnboardingConfigs interface {
	Get(userID string) (onboarding.Config, bool, error)
	Save(userID string, cfg onboarding.Config) error
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Analyzer   Analyzer
	Reconcile  Reconciliation
	Results    ResultReader
	Runs       RunHistory
	Onboarding OnboardingConfigs
	Origins    []string
	Version    string
	StartedAt  time.Time
}

// NewHandler returns the reflectd HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}

	r := chi.NewRouter()
	r.Use(CORS(deps.Origins))

	r.Get("/health", handleHealth(deps))

	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze", handleAnalyze(deps))
		r.Post("/process_uploads", handleProcessUploads(deps))
		r.Get("/results", handleListResults(deps))
		r.Get("/results/{key}", handleGetResult(deps))
		r.Get("/reconcile/runs", handleListRuns(deps))
		r.Get("/onboarding/config", handleGetOnboarding(deps))
		r.Post("/onboarding/config", handleSaveOnboarding(deps))
	})

	return r
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status           string   `json:"status"`
	Version          string   `json:"version"`
	UptimeSeconds    int64    `json:"uptime_seconds"`
	ReconcileRunning bool     `json:"reconcile_running"`
	LastRun          *RunView `json:"last_run"`
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:        "ok",
			Version:       deps.Version,
			UptimeSeconds: int64(time.Since(deps.StartedAt).Seconds()),
		}
		if deps.Reconcile != nil {
			resp.ReconcileRunning = deps.Reconcile.Status().Running
		}
		if deps.Runs != nil {
			run, err := deps.Runs.LastRun()
			switch {
			case err == nil:
				v := newRunView(run)
				resp.LastRun = &v
			case !errors.Is(err, storage.ErrNotFound):
				resp.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
