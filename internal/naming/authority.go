// Package naming derives collision-free artifact names and sample keys.
package naming

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/reflectd/internal/sample"
)

// ErrEmptyCaller is returned when the caller id is empty after sanitizing.
var ErrEmptyCaller = errors.New("caller id is empty")

// subSlots is the number of sub-millisecond tokens available per millisecond.
const subSlots = 1000

// Allocation is the outcome of one Allocate call. AudioName is empty when
// no audio name was given.
type Allocation struct {
	Key       sample.Key
	FrameName string
	AudioName string
}

// Authority hands out strictly increasing timestamp tokens. Tokens are
// "YYYYMMDDTHHMMSSmmm" plus a three-digit sub-millisecond counter, so they
// are fixed width and sort lexicographically in allocation order.
type Authority struct {
	now func() time.Time

	mu     sync.Mutex
	lastMs int64
	seq    int
}

// New creates an Authority reading the wall clock.
func New() *Authority {
	return NewWithClock(time.Now)
}

// NewWithClock creates an Authority with a custom clock (for testing).
func NewWithClock(now func() time.Time) *Authority {
	return &Authority{now: now}
}

// Allocate derives the sample key and artifact names for one upload.
func (a *Authority) Allocate(callerID, frameName, audioName string) (Allocation, error) {
	caller := SanitizeCaller(callerID)
	if caller == "" {
		return Allocation{}, ErrEmptyCaller
	}

	key := sample.Key(caller + "_" + a.token())
	alloc := Allocation{
		Key:       key,
		FrameName: sample.ArtifactName(key, sanitizeFilename(frameName, "frame")),
	}
	if audioName != "" {
		alloc.AudioName = sample.ArtifactName(key, sanitizeFilename(audioName, "audio"))
	}
	return alloc, nil
}

// token serializes generation so two calls never observe the same
// (millisecond, counter) pair. When the clock stalls or steps backwards the
// counter advances instead, borrowing the next millisecond on overflow.
func (a *Authority) token() string {
	ms := a.now().UTC().UnixMilli()

	a.mu.Lock()
	if ms > a.lastMs {
		a.lastMs = ms
		a.seq = 0
	} else {
		a.seq++
		if a.seq >= subSlots {
			a.lastMs++
			a.seq = 0
		}
	}
	ms, seq := a.lastMs, a.seq
	a.mu.Unlock()

	t := time.UnixMilli(ms).UTC()
	return fmt.Sprintf("%s%03d%03d", t.Format("20060102T150405"), ms%1000, seq)
}

// SanitizeCaller maps a caller id onto the characters allowed in a sample
// key. "_" is the key delimiter and path separators would escape the store,
// so both are replaced.
func SanitizeCaller(id string) string {
	id = strings.TrimSpace(id)
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '.', r == '@':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// sanitizeFilename keeps only the base name of an upload, dropping leading
// dots so stored artifacts never look like in-flight temp files.
func sanitizeFilename(name, fallback string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "/" {
		return fallback
	}
	return name
}
