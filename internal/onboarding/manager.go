// Package onboarding stores per-user coaching preferences collected by the
// onboarding flow.
package onboarding

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/reflectd/internal/storage"
)

// DefaultUser is the key of the global document used when a user has none.
const DefaultUser = ""

// Store defines the persistence operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	SaveOnboarding(doc storage.OnboardingDoc) error
	LoadOnboarding(userID string) (storage.OnboardingDoc, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type entry struct {
	cfg      Config
	found    bool
	cachedAt time.Time
}

// Manager provides cached access to onboarding configs stored in SQLite.
type Manager struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]entry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
		cache: make(map[string]entry),
	}
}

// Get returns the config for userID, falling back to the global default.
// found is false when neither exists.
func (m *Manager) Get(userID string) (cfg Config, found bool, err error) {
	e, err := m.load(userID)
	if err != nil {
		return Config{}, false, err
	}
	if e.found || userID == DefaultUser {
		return e.cfg.clone(), e.found, nil
	}
	e, err = m.load(DefaultUser)
	if err != nil {
		return Config{}, false, err
	}
	return e.cfg.clone(), e.found, nil
}

func (m *Manager) load(userID string) (entry, error) {
	m.mu.RLock()
	e, ok := m.cache[userID]
	m.mu.RUnlock()
	if ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		return e, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if e, ok := m.cache[userID]; ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		return e, nil
	}

	e = entry{cachedAt: m.clock.Now()}
	doc, err := m.store.LoadOnboarding(userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return entry{}, fmt.Errorf("loading onboarding config: %w", err)
	default:
		if err := json.Unmarshal([]byte(doc.Document), &e.cfg); err != nil {
			slog.Warn("malformed onboarding config, ignoring", "user_id", userID, "error", err)
		} else {
			e.found = true
		}
	}
	m.cache[userID] = e
	return e, nil
}

// Save validates and persists cfg for userID and refreshes the cache.
func (m *Manager) Save(userID string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling onboarding config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if err := m.store.SaveOnboarding(storage.OnboardingDoc{UserID: userID, Document: string(b), UpdatedAt: now}); err != nil {
		return fmt.Errorf("saving onboarding config: %w", err)
	}
	m.cache[userID] = entry{cfg: cfg.clone(), found: true, cachedAt: now}
	return nil
}
