package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, `# empty`)

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Server.Addr() != "127.0.0.1:8000" {
		t.Errorf("Server.Addr() = %q", cfg.Server.Addr())
	}
	if cfg.Server.MaxConnections != 64 {
		t.Errorf("Server.MaxConnections = %d, want 64", cfg.Server.MaxConnections)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q, want %q", cfg.Ollama.BaseURL, "http://localhost:11434")
	}
	if cfg.Ollama.VisionModel != "llava" || cfg.Ollama.ReplyModel != "phi3.5" {
		t.Errorf("Ollama models = %q / %q", cfg.Ollama.VisionModel, cfg.Ollama.ReplyModel)
	}
	if cfg.Speech.Model != "whisper-1" || cfg.Speech.FFmpegPath != "ffmpeg" {
		t.Errorf("Speech = %+v", cfg.Speech)
	}
	if cfg.Reconcile.InitialDelayDuration() != 10*time.Second {
		t.Errorf("InitialDelayDuration() = %v, want 10s", cfg.Reconcile.InitialDelayDuration())
	}
	if cfg.Reconcile.IntervalDuration() != time.Minute {
		t.Errorf("IntervalDuration() = %v, want 1m", cfg.Reconcile.IntervalDuration())
	}
	if cfg.Reconcile.Workers != 2 || cfg.Reconcile.Watch {
		t.Errorf("Reconcile = %+v", cfg.Reconcile)
	}
	if cfg.Emotion.Backend != "ollama" || cfg.Dialog.Backend != "ollama" {
		t.Errorf("backends = %q / %q", cfg.Emotion.Backend, cfg.Dialog.Backend)
	}
	if cfg.Storage.KeepNormalized {
		t.Error("Storage.KeepNormalized = true, want false")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

// TestYAMLParsing verifies that nested sections are read from the YAML file.
func TestYAMLParsing(t *testing.T) {
	content := `
server:
  host: 0.0.0.0
  port: 9000
  frontend_origins: "http://a.test, http://b.test"
storage:
  data_dir: /tmp/reflectd-test
  keep_normalized: true
reconcile:
  initial_delay: 2s
  interval: 30s
  workers: 8
  watch: true
ollama:
  vision_model: llava:13b
emotion:
  backend: static
dialog:
  backend: rules
`
	path := writeTempConfig(t, content)

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:9000" {
		t.Errorf("Addr() = %q", cfg.Server.Addr())
	}
	origins := cfg.Server.Origins()
	if len(origins) != 2 || origins[1] != "http://b.test" {
		t.Errorf("Origins() = %v", origins)
	}
	if cfg.Storage.DataDir != "/tmp/reflectd-test" || !cfg.Storage.KeepNormalized {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Storage.UploadsDir() != "/tmp/reflectd-test/uploads" {
		t.Errorf("UploadsDir() = %q", cfg.Storage.UploadsDir())
	}
	if cfg.Reconcile.InitialDelayDuration() != 2*time.Second || cfg.Reconcile.IntervalDuration() != 30*time.Second {
		t.Errorf("durations = %v / %v", cfg.Reconcile.InitialDelayDuration(), cfg.Reconcile.IntervalDuration())
	}
	if cfg.Reconcile.Workers != 8 || !cfg.Reconcile.Watch {
		t.Errorf("Reconcile = %+v", cfg.Reconcile)
	}
	if cfg.Ollama.VisionModel != "llava:13b" {
		t.Errorf("VisionModel = %q", cfg.Ollama.VisionModel)
	}
	if cfg.Emotion.Backend != "static" || cfg.Dialog.Backend != "rules" {
		t.Errorf("backends = %q / %q", cfg.Emotion.Backend, cfg.Dialog.Backend)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 9000\n")

	t.Setenv("REFLECTD_SERVER_PORT", "9100")
	t.Setenv("REFLECTD_RECONCILE_WATCH", "true")
	t.Setenv("REFLECTD_SPEECH_API_KEY", "env-key")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if !cfg.Reconcile.Watch {
		t.Error("Reconcile.Watch = false, want true")
	}
	if cfg.Speech.APIKey != "env-key" {
		t.Errorf("Speech.APIKey = %q", cfg.Speech.APIKey)
	}
}

// TestEnvAlternates verifies the unprefixed variables are honoured when the
// prefixed ones are unset.
func TestEnvAlternates(t *testing.T) {
	path := writeTempConfig(t, `# empty`)

	t.Setenv("REFLECTD_SERVER_FRONTEND_ORIGINS", "")
	t.Setenv("FRONTEND_ORIGINS", "https://app.example")
	t.Setenv("REFLECTD_SPEECH_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-alt")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.FrontendOrigins != "https://app.example" {
		t.Errorf("FrontendOrigins = %q", cfg.Server.FrontendOrigins)
	}
	if cfg.Speech.APIKey != "sk-alt" {
		t.Errorf("Speech.APIKey = %q", cfg.Speech.APIKey)
	}
}

// TestSecretNotReadFromFile verifies secrets are never taken from the config file.
func TestSecretNotReadFromFile(t *testing.T) {
	path := writeTempConfig(t, "speech:\n  api_key: file-key\n")
	t.Setenv("REFLECTD_SPEECH_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Speech.APIKey != "" {
		t.Errorf("Speech.APIKey = %q, want empty", cfg.Speech.APIKey)
	}
}

func TestInvalidBackend(t *testing.T) {
	path := writeTempConfig(t, "dialog:\n  backend: gpt\n")

	_, err := loadFromPath(path)
	if err == nil || !strings.Contains(err.Error(), "dialog.backend") {
		t.Errorf("err = %v, want dialog.backend error", err)
	}
}

func TestBadDurationFallsBack(t *testing.T) {
	r := ReconcileConfig{InitialDelay: "soon", Interval: "0s"}
	if r.InitialDelayDuration() != defaultInitialDelay {
		t.Errorf("InitialDelayDuration() = %v", r.InitialDelayDuration())
	}
	if r.IntervalDuration() != defaultInterval {
		t.Errorf("IntervalDuration() = %v", r.IntervalDuration())
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reflectd", "config.yaml")
	b := newFileBackend(path)

	if err := setKeyWith(b, "server.port", "9200"); err != nil {
		t.Fatalf("setKeyWith(port): %v", err)
	}
	if err := setKeyWith(b, "reconcile.watch", "yes"); err == nil {
		t.Error("expected error for invalid bool")
	}
	if err := setKeyWith(b, "reconcile.watch", "true"); err != nil {
		t.Fatalf("setKeyWith(watch): %v", err)
	}
	if err := setKeyWith(b, "speech.api_key", "x"); err == nil {
		t.Error("expected error setting a secret")
	}
	if err := setKeyWith(b, "nope.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 9200 || !cfg.Reconcile.Watch {
		t.Errorf("reloaded = port %d watch %v", cfg.Server.Port, cfg.Reconcile.Watch)
	}

	if err := b.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	cfg, _ = loadFromPath(path)
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port after Delete = %d, want default", cfg.Server.Port)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Speech.APIKey = "sk-secret"
	for _, k := range ShowAll(cfg) {
		if k.Key == "speech.api_key" || strings.Contains(k.Value, "sk-secret") {
			t.Errorf("secret exposed: %+v", k)
		}
	}
	if len(ValidKeys()) != len(specs)-1 {
		t.Errorf("ValidKeys() = %d keys, want %d", len(ValidKeys()), len(specs)-1)
	}
}
