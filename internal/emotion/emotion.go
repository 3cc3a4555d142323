// Package emotion classifies the dominant facial emotion in a frame.
package emotion

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kalambet/reflectd/internal/ollama"
	"github.com/kalambet/reflectd/internal/sample"
)

// ErrNoFace is returned when the model cannot name an emotion for the frame.
var ErrNoFace = errors.New("no emotion detected")

// maxFrameBytes bounds the image sent to the vision model.
const maxFrameBytes = 20 << 20

// Chatter is the subset of the Ollama client the vision analyzer needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

const systemPrompt = `You label facial expressions. Look at the face in the image and answer with the single dominant emotion as one lowercase word, one of: angry, disgust, fear, happy, sad, surprise, neutral. If no face is visible answer "unknown".`

var schema = &ollama.Schema{
	Type: "object",
	Properties: map[string]ollama.SchemaProperty{
		"dominant_emotion": {
			Type:        "string",
			Description: "angry, disgust, fear, happy, sad, surprise, neutral or unknown",
		},
	},
	Required: []string{"dominant_emotion"},
}

type visionResponse struct {
	DominantEmotion string `json:"dominant_emotion"`
}

// Vision asks a multimodal chat model for the dominant emotion.
type Vision struct {
	client Chatter
	model  string
}

// NewVision creates a Vision analyzer using model on client.
func NewVision(client Chatter, model string) *Vision {
	return &Vision{client: client, model: model}
}

// Analyze returns the lowercase emotion label for the frame at framePath.
func (v *Vision) Analyze(ctx context.Context, framePath string) (string, error) {
	info, err := os.Stat(framePath)
	if err != nil {
		return "", fmt.Errorf("reading frame: %w", err)
	}
	if info.Size() > maxFrameBytes {
		return "", fmt.Errorf("frame is %d bytes, limit is %d", info.Size(), maxFrameBytes)
	}
	data, err := os.ReadFile(framePath)
	if err != nil {
		return "", fmt.Errorf("reading frame: %w", err)
	}

	raw, err := v.client.Chat(ctx, v.model, []ollama.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "What is the dominant emotion?", Images: []string{base64.StdEncoding.EncodeToString(data)}},
	}, schema)
	if err != nil {
		return "", fmt.Errorf("vision chat: %w", err)
	}

	var resp visionResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return "", fmt.Errorf("decoding vision response: %w", err)
	}
	label := strings.ToLower(strings.TrimSpace(resp.DominantEmotion))
	if label == "" || label == sample.UnknownEmotion {
		return "", ErrNoFace
	}
	return label, nil
}

// Static always reports the unknown emotion. It stands in when no vision
// backend is configured.
type Static struct{}

func (Static) Analyze(context.Context, string) (string, error) {
	return sample.UnknownEmotion, nil
}
