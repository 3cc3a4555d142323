// Package speech prepares recorded audio and turns it into text.
package speech

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Canonical transcription input: mono 16 kHz PCM WAV.
const (
	sampleRate = "16000"
	channels   = "1"
)

// runFunc executes a command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// FFmpeg converts audio artifacts to canonical WAV with an external ffmpeg
// binary. Output files go to outDir, never next to the source artifact, so
// the upload directory only ever holds uploads.
type FFmpeg struct {
	bin    string
	outDir string
	run    runFunc
}

// NewFFmpeg creates a normalizer writing into outDir, creating it if needed.
func NewFFmpeg(bin, outDir string) (*FFmpeg, error) {
	if bin == "" {
		bin = "ffmpeg"
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating normalized audio dir: %w", err)
	}
	return &FFmpeg{bin: bin, outDir: outDir, run: execRun}, nil
}

// Normalize converts audioPath and returns the path of the WAV file.
func (f *FFmpeg) Normalize(ctx context.Context, audioPath string) (string, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return "", fmt.Errorf("reading audio: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	out := filepath.Join(f.outDir, base+".wav")

	output, err := f.run(ctx, f.bin,
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-y", "-i", audioPath,
		"-ac", channels, "-ar", sampleRate,
		out,
	)
	if err != nil {
		os.Remove(out)
		msg := strings.TrimSpace(string(output))
		if msg == "" {
			return "", fmt.Errorf("ffmpeg: %w", err)
		}
		return "", fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	return out, nil
}
