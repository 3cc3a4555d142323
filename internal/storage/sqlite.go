package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding onboarding configuration documents
// and the reconciliation run history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "reflectd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Onboarding ---

func (s *Store) SaveOnboarding(doc OnboardingDoc) error {
	updated := doc.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO onboarding_configs (user_id, document, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		doc.UserID, doc.Document, updated.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) LoadOnboarding(userID string) (OnboardingDoc, error) {
	d := OnboardingDoc{UserID: userID}
	var updatedAt string
	err := s.db.QueryRow(`SELECT document, updated_at FROM onboarding_configs WHERE user_id = ?`, userID).
		Scan(&d.Document, &updatedAt)
	if err == sql.ErrNoRows {
		return OnboardingDoc{}, ErrNotFound
	}
	if err != nil {
		return OnboardingDoc{}, err
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return OnboardingDoc{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	d.UpdatedAt = t
	return d, nil
}

// --- Reconcile runs ---

// runTimeLayout is fixed width so started_at orders correctly as text.
const runTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *Store) SaveRun(r ReconcileRun) error {
	keys := r.ProcessedKeys
	if keys == "" {
		keys = "[]"
	}
	failed := r.Failed
	if failed == "" {
		failed = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO reconcile_runs (id, trigger, started_at, finished_at, processed_count, processed_keys, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Trigger, r.StartedAt.UTC().Format(runTimeLayout), r.FinishedAt.UTC().Format(runTimeLayout),
		r.ProcessedCount, keys, failed, r.Error,
	)
	return err
}

func (s *Store) ListRuns(limit int) ([]ReconcileRun, error) {
	rows, err := s.db.Query(`
		SELECT id, trigger, started_at, finished_at, processed_count, processed_keys, failed, error
		FROM reconcile_runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ReconcileRun
	for rows.Next() {
		var r ReconcileRun
		var startedAt, finishedAt string
		if err := rows.Scan(&r.ID, &r.Trigger, &startedAt, &finishedAt, &r.ProcessedCount, &r.ProcessedKeys, &r.Failed, &r.Error); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// LastRun returns the most recent run, or ErrNotFound before the first one.
func (s *Store) LastRun() (ReconcileRun, error) {
	runs, err := s.ListRuns(1)
	if err != nil {
		return ReconcileRun{}, err
	}
	if len(runs) == 0 {
		return ReconcileRun{}, ErrNotFound
	}
	return runs[0], nil
}
