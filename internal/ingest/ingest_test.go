package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/reflectd/internal/dialog"
	"github.com/kalambet/reflectd/internal/naming"
	"github.com/kalambet/reflectd/internal/pipeline"
	"github.com/kalambet/reflectd/internal/sample"
	"github.com/kalambet/reflectd/internal/storage"
)

// --- Mock processor ---

type mockProcessor struct {
	processFn func(ctx context.Context, s sample.Sample, source string) pipeline.Processed
	calls     atomic.Int32

	mu      sync.Mutex
	cleaned []pipeline.Processed
}

func (m *mockProcessor) Process(ctx context.Context, s sample.Sample, source string) pipeline.Processed {
	m.calls.Add(1)
	if m.processFn != nil {
		return m.processFn(ctx, s, source)
	}
	return pipeline.Processed{Result: sample.Result{
		SampleKey: s.Key,
		CallerID:  s.Key.CallerID(),
		FramePath: s.FramePath,
		AudioPath: s.AudioPath,
		Emotion:   "happy",
		Reply:     "You look happy! Keep smiling 😄",
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}}
}

func (m *mockProcessor) Cleanup(p pipeline.Processed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleaned = append(m.cleaned, p)
}

type fixture struct {
	dir       string
	artifacts *storage.ArtifactStore
	results   *storage.ResultStore
	proc      *mockProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	a, err := storage.NewArtifactStore(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatalf("NewArtifactStore: %v", err)
	}
	r, err := storage.NewResultStore(filepath.Join(dir, "results"))
	if err != nil {
		t.Fatalf("NewResultStore: %v", err)
	}
	return &fixture{dir: dir, artifacts: a, results: r, proc: &mockProcessor{}}
}

func (f *fixture) service() *Service {
	return NewService(naming.New(), f.artifacts, f.results, f.proc)
}

func (f *fixture) reconciler(history RunRecorder) *Reconciler {
	return NewReconciler(f.artifacts, f.results, f.proc, 4, history)
}

func (f *fixture) writeArtifact(t *testing.T, name string) {
	t.Helper()
	if _, err := f.artifacts.Put(name, strings.NewReader("bytes")); err != nil {
		t.Fatalf("Put(%s): %v", name, err)
	}
}

func upload(caller string) Upload {
	return Upload{
		CallerID: caller,
		Frame:    &File{Name: "photo.jpg", ContentType: "image/jpeg", Body: strings.NewReader("jpeg")},
		Audio:    &File{Name: "clip.webm", ContentType: "audio/webm", Body: strings.NewReader("webm")},
	}
}

// --- Service ---

func TestAnalyze_ThenReconcileSkips(t *testing.T) {
	f := newFixture(t)

	res, err := f.service().Analyze(context.Background(), upload("u1"))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !strings.HasSuffix(res.FramePath, "photo.jpg") || !strings.HasSuffix(res.AudioPath, "clip.webm") {
		t.Errorf("paths = %q, %q", res.FramePath, res.AudioPath)
	}
	if res.Reply == "" {
		t.Error("reply is empty")
	}
	if ok, _ := f.results.Exists(res.SampleKey); !ok {
		t.Fatal("result not persisted")
	}
	if len(f.proc.cleaned) != 1 {
		t.Errorf("cleanup calls = %d, want 1", len(f.proc.cleaned))
	}

	out, err := f.reconciler(nil).Run(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ProcessedCount != 0 {
		t.Errorf("processed_count = %d, want 0 for an already resulted sample", out.ProcessedCount)
	}
	if got := f.proc.calls.Load(); got != 1 {
		t.Errorf("processor calls = %d, want 1", got)
	}
}

func TestAnalyze_FrameOnly(t *testing.T) {
	f := newFixture(t)
	up := upload("u1")
	up.Audio = nil

	res, err := f.service().Analyze(context.Background(), up)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.AudioPath != "" {
		t.Errorf("AudioPath = %q, want empty", res.AudioPath)
	}
}

func TestAnalyze_InputErrors(t *testing.T) {
	cases := map[string]func(*Upload){
		"user_id": func(u *Upload) { u.CallerID = "  " },
		"frame":   func(u *Upload) { u.Frame = nil },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			f := newFixture(t)
			up := upload("u1")
			mutate(&up)

			_, err := f.service().Analyze(context.Background(), up)
			var ierr *InputError
			if !errors.As(err, &ierr) || ierr.Field != field {
				t.Fatalf("err = %v, want InputError for %s", err, field)
			}
			if names, _ := f.artifacts.List(); len(names) != 0 {
				t.Errorf("artifacts written on rejected input: %v", names)
			}
			if f.proc.calls.Load() != 0 {
				t.Error("processor ran on rejected input")
			}
		})
	}
}

func TestAnalyze_WrongModalityIsStoredButNotPaired(t *testing.T) {
	f := newFixture(t)
	up := upload("u1")
	up.Frame = &File{Name: "clip.mp3", Body: strings.NewReader("x")}

	res, err := f.service().Analyze(context.Background(), up)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !strings.HasSuffix(res.FramePath, "_clip.mp3.frame") {
		t.Errorf("FramePath = %q, want the field appended", res.FramePath)
	}
	if _, ok := sample.ModalityOf(res.FramePath); ok {
		t.Errorf("stored frame %q would be dispatched by reconciliation", res.FramePath)
	}
}

func TestAnalyze_AcceptsUnlistedTypes(t *testing.T) {
	cases := []struct {
		name      string
		frame     *File
		audio     *File
		wantFrame string
		wantAudio string
	}{
		{
			name:      "gif and mp4 clip",
			frame:     &File{Name: "photo.gif", ContentType: "image/gif", Body: strings.NewReader("gif")},
			audio:     &File{Name: "clip.mp4", ContentType: "audio/mp4", Body: strings.NewReader("mp4")},
			wantFrame: "_photo.gif",
			wantAudio: "_clip.mp4",
		},
		{
			name:      "extension from content type",
			frame:     &File{Name: "blob", ContentType: "image/webp", Body: strings.NewReader("webp")},
			audio:     &File{Name: "blob", ContentType: "video/mp4", Body: strings.NewReader("mp4")},
			wantFrame: "_blob.webp",
			wantAudio: "_blob.mp4",
		},
		{
			name:      "unknown type keeps its name",
			frame:     &File{Name: "scan.tiff", ContentType: "image/tiff", Body: strings.NewReader("tiff")},
			audio:     &File{Name: "voice.amr", ContentType: "audio/amr", Body: strings.NewReader("amr")},
			wantFrame: "_scan.tiff",
			wantAudio: "_voice.amr",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			up := Upload{CallerID: "u1", Frame: tc.frame, Audio: tc.audio}

			res, err := f.service().Analyze(context.Background(), up)
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if !strings.HasSuffix(res.FramePath, tc.wantFrame) {
				t.Errorf("FramePath = %q, want suffix %q", res.FramePath, tc.wantFrame)
			}
			if !strings.HasSuffix(res.AudioPath, tc.wantAudio) {
				t.Errorf("AudioPath = %q, want suffix %q", res.AudioPath, tc.wantAudio)
			}
			if ok, _ := f.results.Exists(res.SampleKey); !ok {
				t.Error("result not persisted")
			}
		})
	}
}

func TestAnalyze_ExtensionFromContentType(t *testing.T) {
	f := newFixture(t)
	up := upload("u1")
	up.Audio = &File{Name: "blob", ContentType: "audio/webm;codecs=opus", Body: strings.NewReader("webm")}

	res, err := f.service().Analyze(context.Background(), up)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !strings.HasSuffix(res.AudioPath, "_blob.webm") {
		t.Errorf("AudioPath = %q, want .webm extension", res.AudioPath)
	}
}

func TestAnalyze_StorageError(t *testing.T) {
	f := newFixture(t)
	if err := os.RemoveAll(f.artifacts.Root()); err != nil {
		t.Fatal(err)
	}
	// A file where the directory was makes every write fail.
	if err := os.WriteFile(f.artifacts.Root(), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := f.service().Analyze(context.Background(), upload("u1"))
	var serr *storage.Error
	if !errors.As(err, &serr) {
		t.Errorf("err = %v, want *storage.Error", err)
	}
}

// --- Reconciler ---

func TestReconcile_PairsAndProcesses(t *testing.T) {
	f := newFixture(t)
	f.writeArtifact(t, "u2_000001_a.jpg")
	f.writeArtifact(t, "u2_000001_b.mp3")

	out, err := f.reconciler(nil).Run(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ProcessedCount != 1 || len(out.ProcessedKeys) != 1 || out.ProcessedKeys[0] != "u2_000001" {
		t.Fatalf("outcome = %+v", out)
	}
	if ok, _ := f.results.Exists("u2_000001"); !ok {
		t.Error("no result document for u2_000001")
	}
	if out.Processed[0].Source != sample.SourceReconcile {
		t.Errorf("Source = %q", out.Processed[0].Source)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.writeArtifact(t, "u2_000001_a.jpg")
	f.writeArtifact(t, "u2_000001_b.mp3")
	rec := f.reconciler(nil)

	if _, err := rec.Run(context.Background(), TriggerManual); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	before, err := os.ReadFile(filepath.Join(f.dir, "results", "u2_000001"))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		out, err := rec.Run(context.Background(), TriggerSchedule)
		if err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		if out.ProcessedCount != 0 {
			t.Errorf("Run %d processed %d samples", i, out.ProcessedCount)
		}
	}

	after, _ := os.ReadFile(filepath.Join(f.dir, "results", "u2_000001"))
	if string(before) != string(after) {
		t.Error("result document changed on rerun")
	}
	if got := f.proc.calls.Load(); got != 1 {
		t.Errorf("processor calls = %d, want 1", got)
	}
}

func TestReconcile_WaitsForMissingModality(t *testing.T) {
	f := newFixture(t)
	f.writeArtifact(t, "u3_000001_a.jpg")
	rec := f.reconciler(nil)

	out, err := rec.Run(context.Background(), TriggerSchedule)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ProcessedCount != 0 {
		t.Fatalf("processed %d incomplete samples", out.ProcessedCount)
	}
	if len(out.Incomplete) != 1 || out.Incomplete[0] != "u3_000001" {
		t.Errorf("Incomplete = %v", out.Incomplete)
	}

	f.writeArtifact(t, "u3_000001_b.wav")
	out, err = rec.Run(context.Background(), TriggerSchedule)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ProcessedCount != 1 {
		t.Errorf("processed_count = %d after audio arrived, want 1", out.ProcessedCount)
	}
}

func TestReconcile_IgnoresUnparseable(t *testing.T) {
	f := newFixture(t)
	f.writeArtifact(t, "noseparator.jpg")
	f.writeArtifact(t, "u4_000001_notes.txt")
	f.writeArtifact(t, "u4_000001_a.jpg")
	f.writeArtifact(t, "u4_000001_b.ogg")

	out, err := f.reconciler(nil).Run(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ProcessedCount != 1 || out.ProcessedKeys[0] != "u4_000001" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestReconcile_ConcurrentWriterWins(t *testing.T) {
	f := newFixture(t)
	f.writeArtifact(t, "u5_000001_a.jpg")
	f.writeArtifact(t, "u5_000001_b.mp3")

	// Another producer persists the result while this run is processing.
	f.proc.processFn = func(_ context.Context, s sample.Sample, source string) pipeline.Processed {
		f.results.Put(s.Key, sample.Result{SampleKey: s.Key, Emotion: "first"})
		return pipeline.Processed{Result: sample.Result{SampleKey: s.Key, Emotion: "second", Source: source}}
	}

	out, err := f.reconciler(nil).Run(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ProcessedCount != 0 {
		t.Errorf("processed_count = %d, want 0 when another writer won", out.ProcessedCount)
	}
	got, _ := f.results.Get("u5_000001")
	if got.Emotion != "first" {
		t.Errorf("Emotion = %q, first writer must win", got.Emotion)
	}
}

type mockHistory struct {
	mu   sync.Mutex
	runs []storage.ReconcileRun
}

func (m *mockHistory) SaveRun(r storage.ReconcileRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

func TestReconcile_RecordsHistory(t *testing.T) {
	f := newFixture(t)
	f.writeArtifact(t, "u6_000001_a.png")
	f.writeArtifact(t, "u6_000001_b.m4a")
	h := &mockHistory{}

	out, err := f.reconciler(h).Run(context.Background(), TriggerWatch)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(h.runs))
	}
	run := h.runs[0]
	if run.ID != out.RunID || run.Trigger != TriggerWatch || run.ProcessedCount != 1 {
		t.Errorf("run = %+v", run)
	}
	if run.ProcessedKeys != `["u6_000001"]` || run.Failed != "{}" {
		t.Errorf("ProcessedKeys = %s Failed = %s", run.ProcessedKeys, run.Failed)
	}
}

func TestReconcile_ListErrorAbortsRun(t *testing.T) {
	f := newFixture(t)
	os.RemoveAll(f.artifacts.Root())
	h := &mockHistory{}

	_, err := f.reconciler(h).Run(context.Background(), TriggerSchedule)
	var serr *storage.Error
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *storage.Error", err)
	}
	if len(h.runs) != 1 || h.runs[0].Error == "" {
		t.Errorf("failed run not recorded: %+v", h.runs)
	}
}

func TestReconcile_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.writeArtifact(t, "u7_000001_a.jpg")
	f.writeArtifact(t, "u7_000001_b.mp3")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.reconciler(nil).Run(ctx, TriggerSchedule)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if f.proc.calls.Load() != 0 {
		t.Error("processed samples after cancellation")
	}
}

type normalizerFunc func(ctx context.Context, path string) (string, error)

func (f normalizerFunc) Normalize(ctx context.Context, path string) (string, error) { return f(ctx, path) }

type emotionFunc func(ctx context.Context, path string) (string, error)

func (f emotionFunc) Analyze(ctx context.Context, path string) (string, error) { return f(ctx, path) }

type transcriberFunc func(ctx context.Context, path string) (string, error)

func (f transcriberFunc) Transcribe(ctx context.Context, path string) (string, error) { return f(ctx, path) }

func TestReconcile_CancelledMidProcessKeepsSamplePending(t *testing.T) {
	f := newFixture(t)
	f.writeArtifact(t, "u9_000001_a.jpg")
	f.writeArtifact(t, "u9_000001_b.mp3")

	var block atomic.Bool
	block.Store(true)
	started := make(chan struct{})
	var once sync.Once

	proc := pipeline.NewProcessor(
		normalizerFunc(func(context.Context, string) (string, error) { return "", errors.New("no ffmpeg") }),
		emotionFunc(func(ctx context.Context, _ string) (string, error) {
			if !block.Load() {
				return "happy", nil
			}
			once.Do(func() { close(started) })
			<-ctx.Done()
			return "", ctx.Err()
		}),
		transcriberFunc(func(ctx context.Context, _ string) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "hello", nil
		}),
		dialog.Rules{},
		pipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	rec := NewReconciler(f.artifacts, f.results, proc, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	out, err := rec.Run(ctx, TriggerSchedule)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if out.ProcessedCount != 0 || len(out.ProcessedKeys) != 0 {
		t.Errorf("cancelled run reported processed %v", out.ProcessedKeys)
	}
	if ok, _ := f.results.Exists("u9_000001"); ok {
		t.Fatal("result persisted from a cancelled run")
	}

	block.Store(false)
	out, err = rec.Run(context.Background(), TriggerSchedule)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(out.ProcessedKeys) != 1 || out.ProcessedKeys[0] != "u9_000001" {
		t.Fatalf("second run processed %v, want [u9_000001]", out.ProcessedKeys)
	}
	res, err := f.results.Get("u9_000001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Emotion != "happy" || res.Transcript != "hello" {
		t.Errorf("result = %+v, want real adapter output", res)
	}
}

func TestReconcile_ParallelBatch(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		key := "u8_" + strings.Repeat("0", 5) + string(rune('a'+i))
		f.writeArtifact(t, key+"_a.jpg")
		f.writeArtifact(t, key+"_b.mp3")
	}

	out, err := f.reconciler(nil).Run(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ProcessedCount != 20 {
		t.Fatalf("processed_count = %d, want 20", out.ProcessedCount)
	}
	for i := 1; i < len(out.ProcessedKeys); i++ {
		if out.ProcessedKeys[i] <= out.ProcessedKeys[i-1] {
			t.Fatalf("processed keys not sorted: %v", out.ProcessedKeys)
		}
	}
}
