package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // secret store account for secrets
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "generation.provider", typ: kString, env: "MWAHAHA_GENERATION_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Generation.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Provider },
	},
	{
		key: "generation.model", typ: kString, env: "MWAHAHA_GENERATION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Model },
	},
	{
		key: "generation.base_url", typ: kString, env: "MWAHAHA_GENERATION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generation.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.BaseURL },
	},
	{
		key: "generation.max_tokens", typ: kInt, env: "MWAHAHA_GENERATION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxTokens },
	},
	{
		key: "generation.temperature", typ: kFloat, env: "MWAHAHA_GENERATION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Generation.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.Temperature },
	},
	{
		key: "generation.timeout", typ: kDuration, env: "MWAHAHA_GENERATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Generation.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.Timeout },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "MWAHAHA_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "retry.base_delay", typ: kDuration, env: "MWAHAHA_RETRY_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.BaseDelay },
	},
	{
		key: "pacing.plain", typ: kDuration, env: "MWAHAHA_PACING_PLAIN",
		apply:   func(cfg *Config, v any) { cfg.Pacing.Plain = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pacing.Plain },
	},
	{
		key: "pacing.corrective", typ: kDuration, env: "MWAHAHA_PACING_CORRECTIVE",
		apply:   func(cfg *Config, v any) { cfg.Pacing.Corrective = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pacing.Corrective },
	},
	{
		key: "paths.data_dir", typ: kString, env: "MWAHAHA_PATHS_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Paths.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Paths.DataDir },
	},
	{
		key: "paths.output_dir", typ: kString, env: "MWAHAHA_PATHS_OUTPUT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Paths.OutputDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Paths.OutputDir },
	},
	{
		key: "paths.template_dir", typ: kString, env: "MWAHAHA_PATHS_TEMPLATE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Paths.TemplateDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Paths.TemplateDir },
	},
	{
		key: "paths.cache_dir", typ: kString, env: "MWAHAHA_PATHS_CACHE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Paths.CacheDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Paths.CacheDir },
	},
	{
		key: "paths.manifest", typ: kString, env: "MWAHAHA_PATHS_MANIFEST",
		apply:   func(cfg *Config, v any) { cfg.Paths.Manifest = v.(string) },
		extract: func(cfg Config) any { return cfg.Paths.Manifest },
	},
	{
		key: "archive.path", typ: kString, env: "MWAHAHA_ARCHIVE_PATH",
		apply:   func(cfg *Config, v any) { cfg.Archive.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.Path },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MWAHAHA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "server.port", typ: kInt, env: "MWAHAHA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "MWAHAHA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "generation.openai_api_key", typ: kString, env: "OPENAI_API_KEY",
		secret: true, account: "openai_api_key",
		apply:   func(cfg *Config, v any) { cfg.Generation.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.OpenAIAPIKey },
	},
	{
		key: "generation.gemini_api_key", typ: kString, env: "GEMINI_API_KEY",
		secret: true, account: "gemini_api_key",
		apply:   func(cfg *Config, v any) { cfg.Generation.GeminiAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.GeminiAPIKey },
	},
	{
		key: "server.token", typ: kString, env: "MWAHAHA_SERVER_TOKEN",
		secret: true, account: "server_token",
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
}

// parse converts a raw string into the value type of s.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
