package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

// keySpec binds one dotted config key to its Config field. envAlt is a
// secondary variable consulted when env is unset.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	envAlt  string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "REFLECTD_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "REFLECTD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "REFLECTD_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "server.frontend_origins", typ: kString, env: "REFLECTD_SERVER_FRONTEND_ORIGINS", envAlt: "FRONTEND_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.FrontendOrigins = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.FrontendOrigins },
	},
	{
		key: "storage.data_dir", typ: kString, env: "REFLECTD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.keep_normalized", typ: kBool, env: "REFLECTD_STORAGE_KEEP_NORMALIZED",
		apply:   func(cfg *Config, v any) { cfg.Storage.KeepNormalized = v.(bool) },
		extract: func(cfg Config) any { return cfg.Storage.KeepNormalized },
	},
	{
		key: "reconcile.initial_delay", typ: kString, env: "REFLECTD_RECONCILE_INITIAL_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Reconcile.InitialDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Reconcile.InitialDelay },
	},
	{
		key: "reconcile.interval", typ: kString, env: "REFLECTD_RECONCILE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Reconcile.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Reconcile.Interval },
	},
	{
		key: "reconcile.workers", typ: kInt, env: "REFLECTD_RECONCILE_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Reconcile.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Reconcile.Workers },
	},
	{
		key: "reconcile.watch", typ: kBool, env: "REFLECTD_RECONCILE_WATCH",
		apply:   func(cfg *Config, v any) { cfg.Reconcile.Watch = v.(bool) },
		extract: func(cfg Config) any { return cfg.Reconcile.Watch },
	},
	{
		key: "ollama.base_url", typ: kString, env: "REFLECTD_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.vision_model", typ: kString, env: "REFLECTD_OLLAMA_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.VisionModel },
	},
	{
		key: "ollama.reply_model", typ: kString, env: "REFLECTD_OLLAMA_REPLY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ReplyModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ReplyModel },
	},
	{
		key: "emotion.backend", typ: kString, env: "REFLECTD_EMOTION_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Emotion.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Emotion.Backend },
	},
	{
		key: "dialog.backend", typ: kString, env: "REFLECTD_DIALOG_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Dialog.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Dialog.Backend },
	},
	{
		key: "speech.base_url", typ: kString, env: "REFLECTD_SPEECH_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Speech.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.BaseURL },
	},
	{
		key: "speech.model", typ: kString, env: "REFLECTD_SPEECH_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Speech.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.Model },
	},
	{
		key: "speech.api_key", typ: kString, env: "REFLECTD_SPEECH_API_KEY", envAlt: "OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Speech.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.APIKey },
	},
	{
		key: "speech.ffmpeg_path", typ: kString, env: "REFLECTD_SPEECH_FFMPEG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Speech.FFmpegPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.FFmpegPath },
	},
	{
		key: "log.level", typ: kString, env: "REFLECTD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name, raw := s.env, os.Getenv(s.env)
		if raw == "" && s.envAlt != "" {
			name, raw = s.envAlt, os.Getenv(s.envAlt)
		}
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		}
	}
}
