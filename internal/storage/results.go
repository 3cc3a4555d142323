package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kalambet/reflectd/internal/sample"
)

// ResultStore keeps one JSON document per sample key, named exactly by the
// key. The presence of a document marks the sample as processed.
type ResultStore struct {
	root string
}

// NewResultStore creates the store directory if needed.
func NewResultStore(root string) (*ResultStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &Error{Op: "create result dir", Name: root, Err: err}
	}
	return &ResultStore{root: root}, nil
}

func (s *ResultStore) path(key sample.Key) string {
	return filepath.Join(s.root, string(key))
}

// Exists reports whether a result has been persisted for key.
func (s *ResultStore) Exists(key sample.Key) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, &Error{Op: "stat result", Name: string(key), Err: err}
}

// Put persists res under key. The first writer wins: if a document already
// exists, Put leaves it untouched and returns ErrResultExists.
func (s *ResultStore) Put(key sample.Key, res sample.Result) error {
	if err := validName(string(key)); err != nil {
		return &Error{Op: "put result", Name: string(key), Err: err}
	}
	if !key.Valid() {
		return &Error{Op: "put result", Name: string(key), Err: fmt.Errorf("malformed sample key %q", key)}
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return &Error{Op: "encode result", Name: string(key), Err: err}
	}
	if err := createAtomic(s.path(key), bytes.NewReader(data)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrResultExists
		}
		return &Error{Op: "put result", Name: string(key), Err: err}
	}
	return nil
}

// Get loads the result for key, or ErrNotFound.
func (s *ResultStore) Get(key sample.Key) (sample.Result, error) {
	if !key.Valid() || validName(string(key)) != nil {
		return sample.Result{}, ErrNotFound
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return sample.Result{}, ErrNotFound
	}
	if err != nil {
		return sample.Result{}, &Error{Op: "read result", Name: string(key), Err: err}
	}
	var res sample.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return sample.Result{}, &Error{Op: "decode result", Name: string(key), Err: err}
	}
	return res, nil
}

// Keys returns every resulted sample key from a single directory listing.
func (s *ResultStore) Keys() (map[sample.Key]struct{}, error) {
	sorted, err := s.SortedKeys()
	if err != nil {
		return nil, err
	}
	keys := make(map[sample.Key]struct{}, len(sorted))
	for _, k := range sorted {
		keys[k] = struct{}{}
	}
	return keys, nil
}

// SortedKeys lists resulted sample keys in lexicographic order, which is
// allocation order for keys from the same caller.
func (s *ResultStore) SortedKeys() ([]sample.Key, error) {
	names, err := listDir(s.root)
	if err != nil {
		return nil, &Error{Op: "list results", Name: s.root, Err: err}
	}
	keys := make([]sample.Key, 0, len(names))
	for _, name := range names {
		if k := sample.Key(name); k.Valid() {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
