package speech

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoAPIKey is returned by Whisper when the hosted OpenAI endpoint is used
// without an API key. Self-hosted compatible servers may run keyless.
var ErrNoAPIKey = errors.New("speech.api_key is not set")

// Whisper transcribes audio through an OpenAI-compatible
// /audio/transcriptions endpoint.
type Whisper struct {
	client     openai.Client
	model      string
	missingKey bool
}

// NewWhisper creates a transcriber for baseURL using model.
func NewWhisper(baseURL, apiKey, model string, httpClient *http.Client) *Whisper {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(1),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &Whisper{
		client:     openai.NewClient(opts...),
		model:      model,
		missingKey: apiKey == "" && (baseURL == "" || strings.Contains(baseURL, "api.openai.com")),
	}
}

// Transcribe returns the text spoken in the audio file at audioPath.
func (w *Whisper) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if w.missingKey {
		return "", ErrNoAPIKey
	}
	f, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("opening audio: %w", err)
	}
	defer f.Close()

	resp, err := w.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  f,
		Model: openai.AudioModel(w.model),
	})
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
