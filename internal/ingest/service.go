// Package ingest accepts live uploads and reconciles stored artifacts that
// have no result yet.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"github.com/kalambet/reflectd/internal/naming"
	"github.com/kalambet/reflectd/internal/pipeline"
	"github.com/kalambet/reflectd/internal/sample"
	"github.com/kalambet/reflectd/internal/storage"
)

// InputError reports a missing or unusable required field. Nothing has been
// written when it is returned.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// File is one uploaded part.
type File struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Upload is one live ingestion request. Audio is optional.
type Upload struct {
	CallerID string
	Frame    *File
	Audio    *File
}

// Processor runs the modality adapters for one sample.
// Implemented by pipeline.Processor.
type Processor interface {
	Process(ctx context.Context, s sample.Sample, source string) pipeline.Processed
	Cleanup(p pipeline.Processed)
}

// Service stores live uploads and analyzes them synchronously.
type Service struct {
	names     *naming.Authority
	artifacts *storage.ArtifactStore
	results   *storage.ResultStore
	proc      Processor
	logger    *slog.Logger
}

// NewService creates a Service with the given dependencies.
func NewService(names *naming.Authority, artifacts *storage.ArtifactStore, results *storage.ResultStore, proc Processor) *Service {
	return &Service{
		names:     names,
		artifacts: artifacts,
		results:   results,
		proc:      proc,
		logger:    slog.Default(),
	}
}

// Analyze stores the upload, processes it and persists its Result. Only an
// *InputError or a storage failure is returned; adapter failures show up as
// sentinel values in the Result.
func (s *Service) Analyze(ctx context.Context, up Upload) (sample.Result, error) {
	if strings.TrimSpace(up.CallerID) == "" {
		return sample.Result{}, &InputError{Field: "user_id", Reason: "is required"}
	}
	if up.Frame == nil || up.Frame.Body == nil {
		return sample.Result{}, &InputError{Field: "frame", Reason: "is required"}
	}
	frameName := uploadName(up.Frame, sample.Frame, "frame")
	var audioName string
	if up.Audio != nil && up.Audio.Body != nil {
		audioName = uploadName(up.Audio, sample.Audio, "audio")
	}

	alloc, err := s.names.Allocate(up.CallerID, frameName, audioName)
	if errors.Is(err, naming.ErrEmptyCaller) {
		return sample.Result{}, &InputError{Field: "user_id", Reason: "is empty"}
	}
	if err != nil {
		return sample.Result{}, err
	}

	smp := sample.Sample{Key: alloc.Key}
	if smp.FramePath, err = s.artifacts.Put(alloc.FrameName, up.Frame.Body); err != nil {
		return sample.Result{}, err
	}
	if alloc.AudioName != "" {
		if smp.AudioPath, err = s.artifacts.Put(alloc.AudioName, up.Audio.Body); err != nil {
			return sample.Result{}, err
		}
	}

	processed := s.proc.Process(ctx, smp, sample.SourceIngest)
	defer s.proc.Cleanup(processed)

	err = s.results.Put(smp.Key, processed.Result)
	if errors.Is(err, storage.ErrResultExists) {
		// A reconciliation run won the race; its document is authoritative.
		return s.results.Get(smp.Key)
	}
	if err != nil {
		return sample.Result{}, err
	}

	s.logger.Info("sample analyzed",
		"sample_key", smp.Key,
		"emotion", processed.Result.Emotion,
		"has_audio", smp.AudioPath != "",
		"fallback", processed.Result.Fallbacks.Any(),
	)
	return processed.Result, nil
}

// extByType supplies an extension for uploads whose file name has none
// that modality dispatch recognizes.
var extByType = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/bmp":       ".bmp",
	"image/heic":      ".heic",
	"image/heif":      ".heif",
	"audio/webm":      ".webm",
	"video/webm":      ".webm",
	"audio/wav":       ".wav",
	"audio/wave":      ".wav",
	"audio/x-wav":     ".wav",
	"audio/ogg":       ".ogg",
	"audio/opus":      ".opus",
	"audio/mpeg":      ".mp3",
	"audio/aac":       ".aac",
	"audio/flac":      ".flac",
	"audio/x-flac":    ".flac",
	"audio/mp4":       ".m4a",
	"audio/x-m4a":     ".m4a",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
}

// uploadName picks the stored file name for an uploaded part. When the name
// or content type maps to want, the result carries an extension modality
// dispatch recognizes, so reconciliation can pair it. Anything else is kept
// under its own name, with the field appended when the extension would
// dispatch to the other modality; the live path processes it regardless and
// reconciliation ignores it.
func uploadName(f *File, want sample.Modality, field string) string {
	name := strings.TrimSpace(f.Name)
	m, known := sample.ModalityOf(name)
	if known && m == want {
		return name
	}

	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" {
		base = field
	}
	mediaType, _, _ := mime.ParseMediaType(f.ContentType)
	if ext, ok := extByType[mediaType]; ok {
		if em, _ := sample.ModalityOf(ext); em == want {
			return base + ext
		}
	}

	if name == "" {
		return field
	}
	if known {
		return name + "." + field
	}
	return name
}
