package sample

import (
	"strings"
	"time"
)

// Key identifies one ingestion event: "{caller_id}_{timestamp_token}".
type Key string

// CallerID returns the caller segment of the key.
func (k Key) CallerID() string {
	caller, _, _ := strings.Cut(string(k), "_")
	return caller
}

// Valid reports whether k has a non-empty caller and token and no further
// delimiter, which is the shape every allocated key has.
func (k Key) Valid() bool {
	caller, token, ok := strings.Cut(string(k), "_")
	return ok && caller != "" && token != "" && !strings.Contains(token, "_")
}

// Modality is the kind of signal an artifact carries.
type Modality string

const (
	Frame Modality = "frame"
	Audio Modality = "audio"
)

// Sample pairs the frame and audio artifacts sharing a key. AudioPath is
// empty for live uploads without audio.
type Sample struct {
	Key       Key
	FramePath string
	AudioPath string
}

// Complete reports whether both artifacts are present.
func (s Sample) Complete() bool {
	return s.FramePath != "" && s.AudioPath != ""
}

// Sentinel values substituted when an adapter fails.
const (
	UnknownEmotion = "unknown"
	FallbackReply  = "Thanks for sharing. I'm here for you!"
)

// Source records which producer wrote a result.
const (
	SourceIngest    = "ingest"
	SourceReconcile = "reconcile"
)

// Fallbacks flags the steps that substituted a sentinel instead of a real
// adapter value.
type Fallbacks struct {
	Normalize  bool `json:"normalize"`
	Emotion    bool `json:"emotion"`
	Transcript bool `json:"transcript"`
	Reply      bool `json:"reply"`
}

// Any reports whether at least one step fell back.
func (f Fallbacks) Any() bool {
	return f.Normalize || f.Emotion || f.Transcript || f.Reply
}

// Result is the document persisted once per sample key.
type Result struct {
	SampleKey  Key               `json:"sample_key"`
	CallerID   string            `json:"caller_id"`
	FramePath  string            `json:"frame_path"`
	AudioPath  string            `json:"audio_path"`
	Emotion    string            `json:"emotion"`
	Transcript string            `json:"transcript"`
	Reply      string            `json:"reply"`
	Source     string            `json:"source"`
	Fallbacks  Fallbacks         `json:"fallbacks"`
	Errors     map[string]string `json:"errors,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
