package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrResultExists is returned by ResultStore.Put when another writer already
// persisted a result for the same sample key.
var ErrResultExists = errors.New("result already exists")

// Error reports a failed read or write on one of the stores.
type Error struct {
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// OnboardingDoc is the persisted onboarding configuration for one user.
// An empty UserID holds the global default.
type OnboardingDoc struct {
	UserID    string
	Document  string // JSON object stored as text
	UpdatedAt time.Time
}

// ReconcileRun records the outcome of one reconciliation run.
type ReconcileRun struct {
	ID             string
	Trigger        string // "schedule", "manual", "watch"
	StartedAt      time.Time
	FinishedAt     time.Time
	ProcessedCount int
	ProcessedKeys  string // JSON array stored as text
	Failed         string // JSON object key -> error, stored as text
	Error          string
}
