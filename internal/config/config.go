package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Reconcile ReconcileConfig
	Ollama    OllamaConfig
	Emotion   EmotionConfig
	Dialog    DialogConfig
	Speech    SpeechConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	MaxConnections  int
	FrontendOrigins string // comma separated
}

type StorageConfig struct {
	DataDir        string
	KeepNormalized bool
}

type ReconcileConfig struct {
	InitialDelay string
	Interval     string
	Workers      int
	Watch        bool
}

type OllamaConfig struct {
	BaseURL     string
	VisionModel string
	ReplyModel  string
}

type EmotionConfig struct {
	Backend string // "ollama" or "static"
}

type DialogConfig struct {
	Backend string // "ollama" or "rules"
}

type SpeechConfig struct {
	BaseURL    string
	Model      string
	APIKey     string
	FFmpegPath string
}

type LogConfig struct {
	Level string
}

const (
	defaultInitialDelay = 10 * time.Second
	defaultInterval     = time.Minute
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8000,
			MaxConnections:  64,
			FrontendOrigins: "http://localhost:3000",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Reconcile: ReconcileConfig{
			InitialDelay: defaultInitialDelay.String(),
			Interval:     defaultInterval.String(),
			Workers:      2,
		},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			VisionModel: "llava",
			ReplyModel:  "phi3.5",
		},
		Emotion: EmotionConfig{Backend: "ollama"},
		Dialog:  DialogConfig{Backend: "ollama"},
		Speech: SpeechConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "whisper-1",
			FFmpegPath: "ffmpeg",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from the YAML config file at
// $XDG_CONFIG_HOME/reflectd/config.yaml, then applies REFLECTD_* environment
// overrides. Secrets are read from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("invalid config: storage.data_dir is empty")
	}
	switch c.Emotion.Backend {
	case "ollama", "static":
	default:
		return fmt.Errorf("invalid config: emotion.backend %q (want ollama or static)", c.Emotion.Backend)
	}
	switch c.Dialog.Backend {
	case "ollama", "rules":
	default:
		return fmt.Errorf("invalid config: dialog.backend %q (want ollama or rules)", c.Dialog.Backend)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Origins splits FrontendOrigins into trimmed, non-empty entries.
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.FrontendOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// UploadsDir is the Artifact Store root.
func (s StorageConfig) UploadsDir() string { return filepath.Join(s.DataDir, "uploads") }

// ResultsDir is the Result Store root.
func (s StorageConfig) ResultsDir() string { return filepath.Join(s.DataDir, "results") }

// NormalizedDir holds derived audio, outside the upload directory.
func (s StorageConfig) NormalizedDir() string { return filepath.Join(s.DataDir, "normalized") }

// InitialDelayDuration parses InitialDelay, falling back to the default.
func (r ReconcileConfig) InitialDelayDuration() time.Duration {
	return parseDuration("reconcile.initial_delay", r.InitialDelay, defaultInitialDelay)
}

// IntervalDuration parses Interval, falling back to the default.
func (r ReconcileConfig) IntervalDuration() time.Duration {
	d := parseDuration("reconcile.interval", r.Interval, defaultInterval)
	if d <= 0 {
		return defaultInterval
	}
	return d
}

func parseDuration(key, raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q. Using default %s.\n", key, raw, def)
		return def
	}
	return d
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "reflectd-data"
		}
	}
	return filepath.Join(dir, "reflectd")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "reflectd", "config.yaml")
}
