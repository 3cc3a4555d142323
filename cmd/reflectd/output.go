package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/kalambet/reflectd/internal/sample"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult renders the user-facing part of a Result.
func printResult(w io.Writer, res sample.Result) {
	fmt.Fprintf(w, "%s  %s\n", colorize(colorCyan, string(res.SampleKey)), res.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  emotion:    %s\n", res.Emotion)
	if res.Transcript != "" {
		fmt.Fprintf(w, "  transcript: %s\n", res.Transcript)
	}
	fmt.Fprintf(w, "  reply:      %s\n", res.Reply)
	if res.Fallbacks.Any() {
		for _, step := range slices.Sorted(maps.Keys(res.Errors)) {
			fmt.Fprintf(w, "  %s %s: %s\n", colorize(colorYellow, "fallback"), step, res.Errors[step])
		}
	}
}
