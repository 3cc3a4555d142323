package onboarding

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config is the coaching style a user picked during onboarding.
type Config struct {
	Mode             string         `json:"mode"`
	Tone             string         `json:"tone"`
	Depth            string         `json:"depth"`
	InterventionType string         `json:"intervention_type"`
	Frequency        string         `json:"frequency"`
	AudioEnabled     bool           `json:"audio_enabled"`
	RawAnswers       map[string]any `json:"raw_answers,omitempty"`
}

// ValidationError lists the required fields missing from a Config.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Missing, ", "))
}

// Validate checks that every required field is set.
func (c Config) Validate() error {
	var missing []string
	for _, f := range []struct {
		name, value string
	}{
		{"mode", c.Mode},
		{"tone", c.Tone},
		{"depth", c.Depth},
		{"intervention_type", c.InterventionType},
		{"frequency", c.Frequency},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// Summary renders the style as one sentence for a system prompt. It returns
// "" for the zero Config.
func (c Config) Summary() string {
	var parts []string
	if c.Mode != "" {
		parts = append(parts, "act as a "+c.Mode)
	}
	if c.Tone != "" {
		parts = append(parts, "use a "+c.Tone+" tone")
	}
	if c.Depth != "" {
		parts = append(parts, "keep the depth "+c.Depth)
	}
	if c.InterventionType != "" {
		parts = append(parts, "prefer "+c.InterventionType+" interventions")
	}
	if len(parts) == 0 {
		return ""
	}
	return "The user asked you to " + strings.Join(parts, ", ") + "."
}

func (c Config) clone() Config {
	cp := c
	if c.RawAnswers != nil {
		// Round-trip through JSON for a deep copy of arbitrary answer values.
		b, err := json.Marshal(c.RawAnswers)
		if err == nil {
			cp.RawAnswers = nil
			json.Unmarshal(b, &cp.RawAnswers)
		}
	}
	return cp
}
