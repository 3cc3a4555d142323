package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalambet/reflectd/internal/dialog"
	"github.com/kalambet/reflectd/internal/sample"
)

// --- Mock adapters ---

type normalizerFunc func(ctx context.Context, path string) (string, error)

func (f normalizerFunc) Normalize(ctx context.Context, path string) (string, error) { return f(ctx, path) }

type emotionFunc func(ctx context.Context, path string) (string, error)

func (f emotionFunc) Analyze(ctx context.Context, path string) (string, error) { return f(ctx, path) }

type transcriberFunc func(ctx context.Context, path string) (string, error)

func (f transcriberFunc) Transcribe(ctx context.Context, path string) (string, error) { return f(ctx, path) }

type replierFunc func(ctx context.Context, req dialog.Request) (string, error)

func (f replierFunc) Reply(ctx context.Context, req dialog.Request) (string, error) { return f(ctx, req) }

var errBoom = errors.New("boom")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() func() time.Time {
	t := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func testSample() sample.Sample {
	return sample.Sample{
		Key:       "u1_20240305T120000000000",
		FramePath: "/data/uploads/u1_20240305T120000000000_photo.jpg",
		AudioPath: "/data/uploads/u1_20240305T120000000000_clip.webm",
	}
}

func TestProcess_AllSucceed(t *testing.T) {
	var transcribed string
	var replyReq dialog.Request
	p := NewProcessor(
		normalizerFunc(func(_ context.Context, path string) (string, error) { return "/data/normalized/clip.wav", nil }),
		emotionFunc(func(context.Context, string) (string, error) { return "happy", nil }),
		transcriberFunc(func(_ context.Context, path string) (string, error) {
			transcribed = path
			return "hello", nil
		}),
		replierFunc(func(_ context.Context, req dialog.Request) (string, error) {
			replyReq = req
			return "Nice!", nil
		}),
		WithLogger(quietLogger()),
		WithClock(fixedClock()),
	)

	out := p.Process(context.Background(), testSample(), sample.SourceIngest)
	res := out.Result

	if res.Emotion != "happy" || res.Transcript != "hello" || res.Reply != "Nice!" {
		t.Errorf("result = %+v", res)
	}
	if res.Fallbacks.Any() || res.Errors != nil {
		t.Errorf("unexpected fallbacks %+v errors %v", res.Fallbacks, res.Errors)
	}
	if transcribed != "/data/normalized/clip.wav" {
		t.Errorf("transcribed %q, want normalized path", transcribed)
	}
	if out.NormalizedPath != "/data/normalized/clip.wav" {
		t.Errorf("NormalizedPath = %q", out.NormalizedPath)
	}
	if replyReq.Emotion != "happy" || replyReq.Transcript != "hello" || replyReq.History != "" || replyReq.CallerID != "u1" {
		t.Errorf("reply request = %+v", replyReq)
	}
	if res.AudioPath != testSample().AudioPath {
		t.Errorf("AudioPath = %q, want original artifact", res.AudioPath)
	}
	if res.Source != sample.SourceIngest || res.CallerID != "u1" || !res.CreatedAt.Equal(fixedClock()()) {
		t.Errorf("metadata = %+v", res)
	}
}

func TestProcess_AllFail(t *testing.T) {
	p := NewProcessor(
		normalizerFunc(func(context.Context, string) (string, error) { return "", errBoom }),
		emotionFunc(func(context.Context, string) (string, error) { return "", errBoom }),
		transcriberFunc(func(context.Context, string) (string, error) { return "", errBoom }),
		replierFunc(func(context.Context, dialog.Request) (string, error) { return "", errBoom }),
		WithLogger(quietLogger()),
	)

	res := p.Process(context.Background(), testSample(), sample.SourceReconcile).Result

	if res.Emotion != sample.UnknownEmotion {
		t.Errorf("Emotion = %q, want %q", res.Emotion, sample.UnknownEmotion)
	}
	if res.Transcript != "" {
		t.Errorf("Transcript = %q, want empty", res.Transcript)
	}
	if res.Reply != sample.FallbackReply {
		t.Errorf("Reply = %q, want fallback", res.Reply)
	}
	want := sample.Fallbacks{Normalize: true, Emotion: true, Transcript: true, Reply: true}
	if res.Fallbacks != want {
		t.Errorf("Fallbacks = %+v, want all set", res.Fallbacks)
	}
	for _, step := range []string{StepNormalize, StepEmotion, StepTranscript, StepReply} {
		if res.Errors[step] == "" {
			t.Errorf("Errors[%s] missing", step)
		}
	}
}

func TestProcess_NormalizeFailureUsesOriginal(t *testing.T) {
	var transcribed string
	p := NewProcessor(
		normalizerFunc(func(context.Context, string) (string, error) { return "", errBoom }),
		emotionFunc(func(context.Context, string) (string, error) { return "sad", nil }),
		transcriberFunc(func(_ context.Context, path string) (string, error) {
			transcribed = path
			return "meh", nil
		}),
		replierFunc(func(context.Context, dialog.Request) (string, error) { return "ok", nil }),
		WithLogger(quietLogger()),
	)

	out := p.Process(context.Background(), testSample(), sample.SourceReconcile)
	if transcribed != testSample().AudioPath {
		t.Errorf("transcribed %q, want original artifact", transcribed)
	}
	if !out.Result.Fallbacks.Normalize || out.Result.Fallbacks.Transcript {
		t.Errorf("Fallbacks = %+v", out.Result.Fallbacks)
	}
	if out.NormalizedPath != "" {
		t.Errorf("NormalizedPath = %q, want empty", out.NormalizedPath)
	}
}

func TestProcess_NoAudio(t *testing.T) {
	p := NewProcessor(
		normalizerFunc(func(context.Context, string) (string, error) {
			t.Error("normalizer called without audio")
			return "", nil
		}),
		emotionFunc(func(context.Context, string) (string, error) { return "happy", nil }),
		transcriberFunc(func(context.Context, string) (string, error) {
			t.Error("transcriber called without audio")
			return "", nil
		}),
		replierFunc(func(context.Context, dialog.Request) (string, error) { return "ok", nil }),
		WithLogger(quietLogger()),
	)

	s := testSample()
	s.AudioPath = ""
	res := p.Process(context.Background(), s, sample.SourceIngest).Result
	if res.Fallbacks.Any() {
		t.Errorf("Fallbacks = %+v, want none for a frame-only sample", res.Fallbacks)
	}
	if res.Transcript != "" {
		t.Errorf("Transcript = %q", res.Transcript)
	}
}

func TestProcess_EmptyValuesFallBack(t *testing.T) {
	p := NewProcessor(
		normalizerFunc(func(_ context.Context, path string) (string, error) { return path, nil }),
		emotionFunc(func(context.Context, string) (string, error) { return "", nil }),
		transcriberFunc(func(context.Context, string) (string, error) { return "", nil }),
		replierFunc(func(context.Context, dialog.Request) (string, error) { return "", nil }),
		WithLogger(quietLogger()),
	)

	res := p.Process(context.Background(), testSample(), sample.SourceIngest).Result
	if res.Emotion != sample.UnknownEmotion || !res.Fallbacks.Emotion {
		t.Errorf("emotion = %q fallback %v", res.Emotion, res.Fallbacks.Emotion)
	}
	if res.Reply != sample.FallbackReply || !res.Fallbacks.Reply {
		t.Errorf("reply = %q fallback %v", res.Reply, res.Fallbacks.Reply)
	}
	// An empty transcript is a real value (silence), not a failure.
	if res.Fallbacks.Transcript {
		t.Error("empty transcript flagged as fallback")
	}
}

func TestProcess_PanicIsContained(t *testing.T) {
	p := NewProcessor(
		normalizerFunc(func(_ context.Context, path string) (string, error) { return path, nil }),
		emotionFunc(func(context.Context, string) (string, error) { panic("nil map") }),
		transcriberFunc(func(context.Context, string) (string, error) { return "hi", nil }),
		replierFunc(func(context.Context, dialog.Request) (string, error) { return "ok", nil }),
		WithLogger(quietLogger()),
	)

	res := p.Process(context.Background(), testSample(), sample.SourceIngest).Result
	if !res.Fallbacks.Emotion || res.Transcript != "hi" {
		t.Errorf("result = %+v", res)
	}
}

func TestProcess_StepTimeout(t *testing.T) {
	p := NewProcessor(
		normalizerFunc(func(_ context.Context, path string) (string, error) { return path, nil }),
		emotionFunc(func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
		transcriberFunc(func(context.Context, string) (string, error) { return "hi", nil }),
		replierFunc(func(context.Context, dialog.Request) (string, error) { return "ok", nil }),
		WithLogger(quietLogger()),
		WithStepTimeout(20*time.Millisecond),
	)

	res := p.Process(context.Background(), testSample(), sample.SourceIngest).Result
	if !res.Fallbacks.Emotion {
		t.Error("slow emotion adapter not cut off")
	}
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	derived := filepath.Join(dir, "clip.wav")
	os.WriteFile(derived, []byte("wav"), 0o644)

	keep := NewProcessor(nil, nil, nil, nil, WithKeepNormalized(true), WithLogger(quietLogger()))
	keep.Cleanup(Processed{NormalizedPath: derived})
	if _, err := os.Stat(derived); err != nil {
		t.Fatalf("kept file removed: %v", err)
	}

	drop := NewProcessor(nil, nil, nil, nil, WithLogger(quietLogger()))
	drop.Cleanup(Processed{NormalizedPath: derived})
	if _, err := os.Stat(derived); !os.IsNotExist(err) {
		t.Errorf("derived file still present: %v", err)
	}

	// Removing twice is harmless.
	drop.Cleanup(Processed{NormalizedPath: derived})
}
