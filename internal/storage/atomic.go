package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// tmpPrefix marks in-flight writes. Listings skip dot-files, so a
// half-written file is never observed under its final name.
const tmpPrefix = ".tmp-"

func isTemp(name string) bool {
	return strings.HasPrefix(name, ".")
}

// writeTemp streams r into a uniquely named temp file in dir and returns
// its path. The caller moves it into place or removes it.
func writeTemp(dir string, r io.Reader) (string, error) {
	tmp := filepath.Join(dir, tmpPrefix+uuid.New().String())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp, nil
}

// replaceAtomic writes r to target via temp file + rename, overwriting any
// existing file.
func replaceAtomic(target string, r io.Reader) error {
	tmp, err := writeTemp(filepath.Dir(target), r)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// createAtomic writes r to target only if target does not exist yet. The
// temp file is hard-linked into place, which fails with os.ErrExist when
// another writer got there first.
func createAtomic(target string, r io.Reader) error {
	tmp, err := writeTemp(filepath.Dir(target), r)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, target); err != nil {
		return err
	}
	return nil
}

// listDir returns the regular, non-temp file names in dir in lexicographic
// order.
func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || isTemp(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
