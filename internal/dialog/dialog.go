// Package dialog generates the short reply shown to the user after a sample
// has been analyzed.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/reflectd/internal/ollama"
	"github.com/kalambet/reflectd/internal/onboarding"
	"github.com/kalambet/reflectd/internal/sample"
)

// ErrEmptyReply is returned when the model answers with no text.
var ErrEmptyReply = errors.New("empty reply")

// Request is the input to a reply generator.
type Request struct {
	CallerID   string
	Emotion    string
	Transcript string
	History    string
}

// Rules maps the detected emotion to a canned reply.
type Rules struct{}

func (Rules) Reply(_ context.Context, req Request) (string, error) {
	return RuleReply(req.Emotion), nil
}

// RuleReply returns the canned reply for emotion.
func RuleReply(emotion string) string {
	switch strings.ToLower(emotion) {
	case "happy":
		return "You look happy! Keep smiling 😄"
	case "sad":
		return "I see you’re feeling down. Want to talk about it?"
	case "angry":
		return "Take a deep breath. It's okay to feel upset sometimes."
	default:
		return sample.FallbackReply
	}
}

// Chatter is the subset of the Ollama client the chat replier needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Styles resolves the onboarding preferences for a caller.
// Implemented by onboarding.Manager.
type Styles interface {
	Get(userID string) (onboarding.Config, bool, error)
}

const basePrompt = `You are a supportive reflection companion. The user just recorded a short video check-in. Reply in one or two short sentences, speaking directly to the user. Do not mention that you are an AI or describe the analysis.`

// maxReplyChars caps model output stored in a result.
const maxReplyChars = 600

// Chat asks a local chat model for a reply styled by the caller's
// onboarding preferences.
type Chat struct {
	client Chatter
	model  string
	styles Styles
}

// NewChat creates a Chat replier. styles may be nil.
func NewChat(client Chatter, model string, styles Styles) *Chat {
	return &Chat{client: client, model: model, styles: styles}
}

func (c *Chat) Reply(ctx context.Context, req Request) (string, error) {
	system := basePrompt
	if c.styles != nil && req.CallerID != "" {
		// A missing style only changes the tone of the reply.
		if cfg, found, err := c.styles.Get(req.CallerID); err == nil && found {
			if s := cfg.Summary(); s != "" {
				system += "\n" + s
			}
		}
	}

	out, err := c.client.Chat(ctx, c.model, []ollama.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: userPrompt(req)},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("reply chat: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyReply
	}
	if len(out) > maxReplyChars {
		out = truncate(out, maxReplyChars)
	}
	return out, nil
}

func userPrompt(req Request) string {
	var b strings.Builder
	if req.History != "" {
		fmt.Fprintf(&b, "Earlier conversation:\n%s\n\n", req.History)
	}
	emotion := req.Emotion
	if emotion == "" {
		emotion = sample.UnknownEmotion
	}
	fmt.Fprintf(&b, "Detected facial emotion: %s\n", emotion)
	if req.Transcript != "" {
		fmt.Fprintf(&b, "What they said: %q\n", req.Transcript)
	} else {
		b.WriteString("They did not say anything.\n")
	}
	return b.String()
}

// truncate cuts s at the last space before n bytes without splitting a
// multi-byte character.
func truncate(s string, n int) string {
	end := n
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	if idx := strings.LastIndex(s[:end], " "); idx > 0 {
		end = idx
	}
	return s[:end] + "…"
}
