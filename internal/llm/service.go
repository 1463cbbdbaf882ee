package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Call is one request to a generation service.
type Call struct {
	System      string
	Prompt      string
	Media       *Media
	MaxTokens   int
	Temperature float64
}

// Media is an image attachment: either inline bytes or a remote URL.
type Media struct {
	URL      string
	Data     []byte
	MIMEType string
}

// Remote reports whether the attachment is referenced by URL.
func (m *Media) Remote() bool {
	return len(m.Data) == 0 && m.URL != ""
}

// DataURL encodes inline media as a data URL.
func (m *Media) DataURL() string {
	return "data:" + m.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
}

// Service produces one completion per call. Implementations make a single
// attempt; retries are the caller's concern.
type Service interface {
	Complete(ctx context.Context, call Call) (string, error)
}

var (
	// ErrRateLimited is matched by errors for HTTP 429 responses.
	ErrRateLimited = errors.New("rate limited")
	// ErrEmptyResponse is returned when the service answers without text.
	ErrEmptyResponse = errors.New("empty response")
)

// StatusError is a non-200 response from a generation service.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusTooManyRequests || strings.Contains(e.Body, "rate_limit_exceeded") {
		return ErrRateLimited
	}
	return nil
}

// IsTransient reports whether err is worth retrying: rate limiting,
// request timeouts, server-side errors and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusRequestTimeout || se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
