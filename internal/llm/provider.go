package llm

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// ErrNotConfigured is returned by New when no API key is available.
var ErrNotConfigured = errors.New("generation service not configured")

// Options selects and configures a generation service.
type Options struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

// New builds the Service for opts.Provider.
func New(ctx context.Context, opts Options) (Service, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: no API key for provider %q", ErrNotConfigured, opts.Provider)
	}
	switch opts.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIClient(opts.APIKey, opts.BaseURL, opts.Model, opts.Timeout), nil
	case ProviderGemini:
		return NewGeminiClient(ctx, opts.APIKey, opts.BaseURL, opts.Model, opts.Timeout)
	default:
		return nil, fmt.Errorf("unknown provider %q", opts.Provider)
	}
}

// MIMEType guesses an image MIME type from a file name or URL path.
func MIMEType(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".gif":
		return "image/gif"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
