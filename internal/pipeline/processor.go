// Package pipeline turns one paired sample into a Result by running the
// modality adapters in order, substituting a sentinel for every step that
// fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kalambet/reflectd/internal/dialog"
	"github.com/kalambet/reflectd/internal/sample"
)

// Step names used in AdapterError and Result.Errors.
const (
	StepNormalize  = "normalize"
	StepEmotion    = "emotion"
	StepTranscript = "transcript"
	StepReply      = "reply"
)

// Normalizer converts an audio artifact to the transcription input format.
type Normalizer interface {
	Normalize(ctx context.Context, audioPath string) (string, error)
}

// EmotionAnalyzer names the dominant facial emotion in a frame.
type EmotionAnalyzer interface {
	Analyze(ctx context.Context, framePath string) (string, error)
}

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Replier generates the reply shown to the user.
type Replier interface {
	Reply(ctx context.Context, req dialog.Request) (string, error)
}

// AdapterError records a failed modality step. It never leaves the
// Processor; it is converted to a sentinel and noted in the Result.
type AdapterError struct {
	Step string
	Err  error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s adapter: %v", e.Step, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Processed is the outcome of one Process call. NormalizedPath is the
// derived audio file, if one was written.
type Processed struct {
	Result         sample.Result
	NormalizedPath string
}

// Option configures a Processor.
type Option func(*Processor)

// WithStepTimeout bounds each adapter call. Zero means no bound.
func WithStepTimeout(d time.Duration) Option {
	return func(p *Processor) { p.stepTimeout = d }
}

// WithKeepNormalized keeps derived audio files after Cleanup.
func WithKeepNormalized(keep bool) Option {
	return func(p *Processor) { p.keepNormalized = keep }
}

// WithLogger sets the logger used for fallback warnings.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithClock overrides the time source for CreatedAt (for testing).
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// Processor runs the modality adapters for one sample.
type Processor struct {
	normalizer  Normalizer
	emotion     EmotionAnalyzer
	transcriber Transcriber
	replier     Replier

	stepTimeout    time.Duration
	keepNormalized bool
	logger         *slog.Logger
	now            func() time.Time
}

// NewProcessor creates a Processor wired to the given adapters.
func NewProcessor(n Normalizer, e EmotionAnalyzer, t Transcriber, r Replier, opts ...Option) *Processor {
	p := &Processor{
		normalizer:  n,
		emotion:     e,
		transcriber: t,
		replier:     r,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process analyzes s and assembles its Result. It never fails: every step
// that errors is replaced by its sentinel and flagged in Result.Fallbacks.
//  1. Normalize audio (fallback: the original artifact)
//  2. Face emotion (fallback: "unknown")
//  3. Transcript (fallback: "")
//  4. Reply (fallback: fixed reply)
//
// A sample without audio skips steps 1 and 3 without flagging them.
func (p *Processor) Process(ctx context.Context, s sample.Sample, source string) Processed {
	res := sample.Result{
		SampleKey: s.Key,
		CallerID:  s.Key.CallerID(),
		FramePath: s.FramePath,
		AudioPath: s.AudioPath,
		Emotion:   sample.UnknownEmotion,
		Reply:     sample.FallbackReply,
		Source:    source,
	}
	var out Processed

	fail := func(step string, err error) {
		aerr := &AdapterError{Step: step, Err: err}
		if res.Errors == nil {
			res.Errors = make(map[string]string)
		}
		res.Errors[step] = err.Error()
		p.logger.Warn("adapter failed, using fallback", "sample_key", s.Key, "step", step, "error", aerr)
	}

	// 1. Normalize.
	transcribeFrom := s.AudioPath
	if s.AudioPath != "" {
		path, err := call(ctx, p.stepTimeout, func(ctx context.Context) (string, error) {
			return p.normalizer.Normalize(ctx, s.AudioPath)
		})
		if err != nil {
			res.Fallbacks.Normalize = true
			fail(StepNormalize, err)
		} else {
			transcribeFrom = path
			if path != s.AudioPath {
				out.NormalizedPath = path
			}
		}
	}

	// 2. Emotion.
	emotion, err := call(ctx, p.stepTimeout, func(ctx context.Context) (string, error) {
		return p.emotion.Analyze(ctx, s.FramePath)
	})
	if err == nil && emotion == "" {
		err = errors.New("empty emotion label")
	}
	if err != nil {
		res.Fallbacks.Emotion = true
		fail(StepEmotion, err)
	} else {
		res.Emotion = emotion
	}

	// 3. Transcript.
	if transcribeFrom != "" {
		text, err := call(ctx, p.stepTimeout, func(ctx context.Context) (string, error) {
			return p.transcriber.Transcribe(ctx, transcribeFrom)
		})
		if err != nil {
			res.Fallbacks.Transcript = true
			fail(StepTranscript, err)
		} else {
			res.Transcript = text
		}
	}

	// 4. Reply.
	reply, err := call(ctx, p.stepTimeout, func(ctx context.Context) (string, error) {
		return p.replier.Reply(ctx, dialog.Request{
			CallerID:   res.CallerID,
			Emotion:    res.Emotion,
			Transcript: res.Transcript,
		})
	})
	if err == nil && reply == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		res.Fallbacks.Reply = true
		fail(StepReply, err)
	} else {
		res.Reply = reply
	}

	res.CreatedAt = p.now().UTC()
	out.Result = res

	p.logger.Debug("sample processed",
		"sample_key", s.Key,
		"emotion", res.Emotion,
		"fallback", res.Fallbacks.Any(),
	)
	return out
}

// Cleanup removes the derived audio file of pr unless derived files are kept.
// Call it once the Result is persisted or discarded.
func (p *Processor) Cleanup(pr Processed) {
	if p.keepNormalized || pr.NormalizedPath == "" {
		return
	}
	if err := os.Remove(pr.NormalizedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("removing normalized audio", "path", pr.NormalizedPath, "error", err)
	}
}

// call runs fn with an optional per-step timeout. A panicking adapter is
// reported as an error so it cannot take down the caller.
func call(ctx context.Context, timeout time.Duration, fn func(context.Context) (string, error)) (out string, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return fn(ctx)
}
