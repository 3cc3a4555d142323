package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/reflectd/internal/sample"
	"github.com/kalambet/reflectd/internal/storage"
)

// Triggers recorded with each run.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerWatch    = "watch"
)

// Outcome summarizes one reconciliation run.
type Outcome struct {
	RunID          string            `json:"run_id"`
	Trigger        string            `json:"trigger"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	ProcessedCount int               `json:"processed_count"`
	ProcessedKeys  []sample.Key      `json:"processed_keys"`
	Processed      []sample.Result   `json:"processed"`
	Incomplete     []sample.Key      `json:"incomplete,omitempty"`
	Failed         map[string]string `json:"failed,omitempty"`
}

// RunRecorder persists run outcomes. Implemented by storage.Store.
type RunRecorder interface {
	SaveRun(r storage.ReconcileRun) error
}

// Reconciler finds complete samples without a result and processes them.
type Reconciler struct {
	artifacts *storage.ArtifactStore
	results   *storage.ResultStore
	proc      Processor
	workers   int
	history   RunRecorder
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler processing up to workers samples in
// parallel (1 if workers <= 0). history may be nil.
func NewReconciler(artifacts *storage.ArtifactStore, results *storage.ResultStore, proc Processor, workers int, history RunRecorder) *Reconciler {
	if workers <= 0 {
		workers = 1
	}
	return &Reconciler{
		artifacts: artifacts,
		results:   results,
		proc:      proc,
		workers:   workers,
		history:   history,
		logger:    slog.Default(),
	}
}

// Run performs one reconciliation pass:
//  1. List the artifact store and pair artifacts by sample key
//  2. Load every resulted key in one listing
//  3. Process each complete, unresulted sample and persist its result
//
// Incomplete samples are left for a later run. A sample whose result is
// written concurrently by another producer is not counted. A storage error
// while listing aborts the run; a failed result write only fails its sample.
func (r *Reconciler) Run(ctx context.Context, trigger string) (Outcome, error) {
	out := Outcome{
		RunID:         uuid.New().String(),
		Trigger:       trigger,
		StartedAt:     time.Now().UTC(),
		ProcessedKeys: []sample.Key{},
		Processed:     []sample.Result{},
	}

	err := r.run(ctx, &out)
	out.FinishedAt = time.Now().UTC()
	out.ProcessedCount = len(out.ProcessedKeys)

	r.record(out, err)
	if err != nil {
		r.logger.Error("reconciliation failed", "run_id", out.RunID, "trigger", trigger, "error", err)
		return out, err
	}
	r.logger.Info("reconciliation complete",
		"run_id", out.RunID,
		"trigger", trigger,
		"processed_count", out.ProcessedCount,
		"incomplete", len(out.Incomplete),
		"failed", len(out.Failed),
		"duration_ms", out.FinishedAt.Sub(out.StartedAt).Milliseconds(),
	)
	return out, nil
}

func (r *Reconciler) run(ctx context.Context, out *Outcome) error {
	// 1. List and group.
	names, err := r.artifacts.List()
	if err != nil {
		return err
	}
	groups := sample.Group(r.artifacts.Root(), names)

	// 2. One batch lookup of resulted keys.
	done, err := r.results.Keys()
	if err != nil {
		return err
	}

	keys := make([]sample.Key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var pending []sample.Sample
	for _, k := range keys {
		if _, ok := done[k]; ok {
			continue
		}
		s := groups[k]
		if !s.Complete() {
			out.Incomplete = append(out.Incomplete, k)
			continue
		}
		pending = append(pending, s)
	}

	// 3. Process.
	var mu sync.Mutex
	results := make(map[sample.Key]sample.Result, len(pending))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, s := range pending {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			processed := r.proc.Process(ctx, s, sample.SourceReconcile)
			defer r.proc.Cleanup(processed)

			// A cancelled run never persists: the sample stays pending.
			if ctx.Err() != nil {
				r.logger.Debug("run cancelled, discarding result", "sample_key", s.Key)
				return nil
			}

			err := r.results.Put(s.Key, processed.Result)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				results[s.Key] = processed.Result
			case errors.Is(err, storage.ErrResultExists):
				r.logger.Debug("result written concurrently, discarding", "sample_key", s.Key)
			default:
				if out.Failed == nil {
					out.Failed = make(map[string]string)
				}
				out.Failed[string(s.Key)] = err.Error()
				r.logger.Warn("persisting result failed", "sample_key", s.Key, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	for _, k := range keys {
		if res, ok := results[k]; ok {
			out.ProcessedKeys = append(out.ProcessedKeys, k)
			out.Processed = append(out.Processed, res)
		}
	}
	return ctx.Err()
}

func (r *Reconciler) record(out Outcome, runErr error) {
	if r.history == nil {
		return
	}
	keys, _ := json.Marshal(out.ProcessedKeys)
	failed := []byte("{}")
	if len(out.Failed) > 0 {
		failed, _ = json.Marshal(out.Failed)
	}
	run := storage.ReconcileRun{
		ID:             out.RunID,
		Trigger:        out.Trigger,
		StartedAt:      out.StartedAt,
		FinishedAt:     out.FinishedAt,
		ProcessedCount: out.ProcessedCount,
		ProcessedKeys:  string(keys),
		Failed:         string(failed),
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := r.history.SaveRun(run); err != nil {
		r.logger.Warn("recording reconciliation run", "run_id", out.RunID, "error", err)
	}
}
