package config

import (
	"fmt"
	"time"
)

type Config struct {
	Generation GenerationConfig
	Retry      RetryConfig
	Pacing     PacingConfig
	Paths      PathsConfig
	Archive    ArchiveConfig
	Storage    StorageConfig
	Server     ServerConfig
	Log        LogConfig
}

type GenerationConfig struct {
	Provider     string
	Model        string
	BaseURL      string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	OpenAIAPIKey string
	GeminiAPIKey string
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

type PacingConfig struct {
	Plain      time.Duration
	Corrective time.Duration
}

// PathsConfig locates the task files. Relative paths resolve against the
// working directory.
type PathsConfig struct {
	DataDir     string
	OutputDir   string
	TemplateDir string
	CacheDir    string
	Manifest    string
}

type ArchiveConfig struct {
	Path string
}

type StorageConfig struct {
	DataDir string
}

type ServerConfig struct {
	Port  int
	Token string
}

type LogConfig struct {
	Level string
}

const keychainService = "mwahaha"

func defaults() Config {
	return Config{
		Generation: GenerationConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			BaseURL:     "https://api.openai.com/v1",
			MaxTokens:   300,
			Temperature: 0.8,
			Timeout:     60 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
		},
		Pacing: PacingConfig{
			Plain:      50 * time.Millisecond,
			Corrective: time.Second,
		},
		Paths: PathsConfig{
			DataDir:     "data",
			OutputDir:   "output",
			TemplateDir: "templates",
			CacheDir:    "gif_cache",
		},
		Archive: ArchiveConfig{
			Path: "submission.zip",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.mwahaha.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/mwahaha/config.json
// and secrets fall back to $XDG_DATA_HOME/mwahaha/secrets.json.
//
// Environment variables (MWAHAHA_*) override backend values on all platforms.
// A missing API key is not an error; see CheckGeneration.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Generation.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("invalid generation.provider %q: want openai or gemini", c.Generation.Provider)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("invalid retry.max_attempts %d: must be at least 1", c.Retry.MaxAttempts)
	}
	if c.Generation.MaxTokens < 1 {
		return fmt.Errorf("invalid generation.max_tokens %d: must be positive", c.Generation.MaxTokens)
	}
	return nil
}

// APIKey returns the key for the configured provider.
func (c Config) APIKey() string {
	if c.Generation.Provider == "gemini" {
		return c.Generation.GeminiAPIKey
	}
	return c.Generation.OpenAIAPIKey
}

// CheckGeneration reports whether the generation service can be reached
// with the current configuration.
func (c Config) CheckGeneration() error {
	if c.APIKey() != "" {
		return nil
	}
	env, account := "OPENAI_API_KEY", "openai_api_key"
	if c.Generation.Provider == "gemini" {
		env, account = "GEMINI_API_KEY", "gemini_api_key"
	}
	return fmt.Errorf("missing %s API key. Set it via environment variable %s%s",
		c.Generation.Provider, env, apiKeyHint(account))
}
