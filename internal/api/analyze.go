package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/kalambet/reflectd/internal/ingest"
	"github.com/kalambet/reflectd/internal/sample"
	"github.com/kalambet/reflectd/internal/scheduler"
)

const (
	maxUploadSize   = 64 << 20 // 64MB for frame + audio
	maxUploadMemory = 8 << 20  // parts above this spill to temp files
)

func handleAnalyze(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", tooLarge.Limit)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		up := ingest.Upload{CallerID: r.FormValue("user_id")}

		frame, closeFrame, err := formFile(r, "frame")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading frame: %v", err)
			return
		}
		defer closeFrame()
		up.Frame = frame

		audio, closeAudio, err := formFile(r, "audio")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading audio: %v", err)
			return
		}
		defer closeAudio()
		up.Audio = audio

		// Once accepted, the sample is processed and persisted even if the
		// client goes away.
		res, err := deps.Analyzer.Analyze(context.WithoutCancel(r.Context()), up)
		var inputErr *ingest.InputError
		if errors.As(err, &inputErr) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", inputErr)
			return
		}
		if err != nil {
			slog.Error("analyze failed", "error", err)
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to store sample: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

// formFile returns the named part, or nil when it is absent.
func formFile(r *http.Request, field string) (*ingest.File, func(), error) {
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, func() {}, err
	}
	return &ingest.File{
		Name:        hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Body:        f,
	}, func() { closePart(f) }, nil
}

func closePart(f multipart.File) {
	if err := f.Close(); err != nil {
		slog.Debug("closing upload part", "error", err)
	}
}

// ProcessUploadsResponse is the body of POST /api/process_uploads.
type ProcessUploadsResponse struct {
	RunID          string            `json:"run_id"`
	ProcessedCount int               `json:"processed_count"`
	ProcessedKeys  []sample.Key      `json:"processed_keys"`
	Processed      []sample.Result   `json:"processed"`
	Incomplete     []sample.Key      `json:"incomplete,omitempty"`
	Failed         map[string]string `json:"failed,omitempty"`
}

func handleProcessUploads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := deps.Reconcile.TryRun(context.WithoutCancel(r.Context()), ingest.TriggerManual)
		if errors.Is(err, scheduler.ErrRunInProgress) {
			httpError(w, http.StatusConflict, "conflict_error", "%v", err)
			return
		}
		if err != nil {
			slog.Error("manual reconciliation failed", "error", err)
			httpError(w, http.StatusInternalServerError, "storage_error", "reconciliation failed: %v", err)
			return
		}

		resp := ProcessUploadsResponse{
			RunID:          out.RunID,
			ProcessedCount: out.ProcessedCount,
			ProcessedKeys:  out.ProcessedKeys,
			Processed:      out.Processed,
			Incomplete:     out.Incomplete,
			Failed:         out.Failed,
		}
		if resp.ProcessedKeys == nil {
			resp.ProcessedKeys = []sample.Key{}
		}
		if resp.Processed == nil {
			resp.Processed = []sample.Result{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
