// Package watch nudges reconciliation when new artifacts land in the upload
// directory.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/reflectd/internal/sample"
)

// DefaultDebounce is the quiet period after the last event before a nudge.
const DefaultDebounce = 500 * time.Millisecond

// Watcher observes one directory and calls Nudge after a burst of artifact
// arrivals settles.
type Watcher struct {
	dir      string
	nudge    func()
	debounce time.Duration
	logger   *slog.Logger
}

// New creates a Watcher on dir. A non-positive debounce uses DefaultDebounce.
func New(dir string, debounce time.Duration, nudge func()) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		dir:      dir,
		nudge:    nudge,
		debounce: debounce,
		logger:   slog.Default(),
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watching upload directory", "dir", w.dir)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !relevant(event.Name) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("upload watcher error", "error", err)
		case <-timer.C:
			w.logger.Debug("new artifacts detected, nudging reconciliation")
			w.nudge()
		}
	}
}

// relevant reports whether name is a settled artifact reconciliation would
// consider.
func relevant(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if _, ok := sample.ParseArtifactName(base); !ok {
		return false
	}
	_, ok := sample.ModalityOf(base)
	return ok
}
