package generate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/mwahaha/internal/llm"
	"github.com/kalambet/mwahaha/internal/prompt"
	"github.com/kalambet/mwahaha/internal/result"
	"github.com/kalambet/mwahaha/internal/retry"
)

// SystemInstruction is sent with every call.
const SystemInstruction = "You are a master of humor and wit. Follow the detailed instructions provided in the prompt."

const (
	DefaultMaxTokens   = 300
	DefaultTemperature = 0.8
)

// Options configures a Client. Zero values fall back to the defaults,
// except Temperature where zero is a meaningful setting.
type Options struct {
	System      string
	MaxTokens   int
	Temperature float64
	Policy      retry.Policy
	Logger      *slog.Logger
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		System:      SystemInstruction,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
		Policy:      retry.Default(llm.IsTransient),
	}
}

// Client turns one request into exactly one terminal Outcome.
type Client struct {
	svc         llm.Service
	system      string
	maxTokens   int
	temperature float64
	policy      retry.Policy
	logger      *slog.Logger
}

// New creates a Client. A nil svc is allowed: every Generate then fails
// with ReasonNotConfigured.
func New(svc llm.Service, opts Options) *Client {
	c := &Client{
		svc:         svc,
		system:      opts.System,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		policy:      opts.Policy,
		logger:      opts.Logger,
	}
	if c.system == "" {
		c.system = SystemInstruction
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	if c.policy.MaxAttempts <= 0 {
		c.policy = retry.Default(llm.IsTransient)
	}
	if c.policy.Retryable == nil {
		c.policy.Retryable = llm.IsTransient
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Generate produces the outcome for row id. Transient service errors are
// retried per the client's policy; anything else fails immediately.
func (c *Client) Generate(ctx context.Context, id string, req prompt.Request) result.Outcome {
	if c.svc == nil {
		return result.Failure(id, result.ReasonNotConfigured, "no generation service configured")
	}

	call := llm.Call{
		System:      c.system,
		Prompt:      req.Text(),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	if req.Media != "" {
		media, err := ResolveMedia(req.Media)
		switch {
		case err == nil:
			call.Media = media
		case req.MediaRequired:
			return result.Failure(id, result.ReasonMissingMedia, err.Error())
		default:
			c.logger.Warn("media unavailable, continuing without it", "row_id", id, "media", req.Media, "error", err)
		}
	} else if req.MediaRequired {
		return result.Failure(id, result.ReasonMissingMedia, "row has no media reference")
	}

	policy := c.policy
	userRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("transient generation failure, backing off",
			"row_id", id, "attempt", attempt, "delay", delay, "error", err)
		if userRetry != nil {
			userRetry(attempt, delay, err)
		}
	}

	var text string
	err := policy.Do(ctx, func(ctx context.Context) error {
		out, err := c.svc.Complete(ctx, call)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return result.Failure(id, result.ReasonMaxRetries, "")
		}
		return result.Failure(id, result.ReasonPermanent, err.Error())
	}

	cleaned := Clean(text)
	if cleaned == "" {
		return result.Failure(id, result.ReasonPermanent, llm.ErrEmptyResponse.Error())
	}
	return result.Success(id, cleaned)
}

// Clean trims surrounding whitespace and strips one matching pair of outer
// quotes. Nested quotes survive: `""hello""` becomes `"hello"`.
func Clean(text string) string {
	text = strings.TrimSpace(text)
	if len(text) >= 2 {
		first, last := text[0], text[len(text)-1]
		if first == last && (first == '"' || first == '\'') {
			text = text[1 : len(text)-1]
		}
	}
	return text
}
