package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactStore keeps uploaded frame and audio files in one flat directory.
// Names are expected to be unique (see package naming); Put overwrites an
// existing file of the same name.
type ArtifactStore struct {
	root string
}

// NewArtifactStore creates the store directory if needed.
func NewArtifactStore(root string) (*ArtifactStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &Error{Op: "resolve artifact dir", Name: root, Err: err}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &Error{Op: "create artifact dir", Name: abs, Err: err}
	}
	return &ArtifactStore{root: abs}, nil
}

// Root returns the absolute store directory.
func (a *ArtifactStore) Root() string {
	return a.root
}

// Put writes the full stream under name and returns the absolute path.
func (a *ArtifactStore) Put(name string, r io.Reader) (string, error) {
	if err := validName(name); err != nil {
		return "", &Error{Op: "put artifact", Name: name, Err: err}
	}
	target := filepath.Join(a.root, name)
	if err := replaceAtomic(target, r); err != nil {
		return "", &Error{Op: "put artifact", Name: name, Err: err}
	}
	return target, nil
}

// List returns the stored artifact names in lexicographic order. In-flight
// writes are never included.
func (a *ArtifactStore) List() ([]string, error) {
	names, err := listDir(a.root)
	if err != nil {
		return nil, &Error{Op: "list artifacts", Name: a.root, Err: err}
	}
	return names, nil
}

func validName(name string) error {
	if name == "" || isTemp(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}
