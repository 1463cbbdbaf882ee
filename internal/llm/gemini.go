package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

const maxRemoteMedia = 20 << 20

// GeminiClient generates completions with the Gemini API.
type GeminiClient struct {
	client     *genai.Client
	model      string
	httpClient *http.Client
}

// NewGeminiClient creates a Gemini client. baseURL is optional and mainly
// useful for tests.
func NewGeminiClient(ctx context.Context, apiKey, baseURL, model string, timeout time.Duration) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiClient{
		client:     client,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Complete sends one GenerateContent request. Remote media is downloaded
// and sent inline since the Gemini API only accepts its own file URIs.
func (c *GeminiClient) Complete(ctx context.Context, call Call) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(call.Prompt)}
	if call.Media != nil {
		data, mime := call.Media.Data, call.Media.MIMEType
		if call.Media.Remote() {
			var err error
			data, mime, err = c.fetch(ctx, call.Media.URL)
			if err != nil {
				return "", err
			}
		}
		parts = append(parts, genai.NewPartFromBytes(data, mime))
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(call.Temperature)),
		MaxOutputTokens: int32(call.MaxTokens),
	}
	if call.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(call.System, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return "", classifyGemini(err)
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (c *GeminiClient) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating media request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &StatusError{Provider: "media", Code: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteMedia))
	if err != nil {
		return nil, "", fmt.Errorf("reading media: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if mime == "" {
		mime = MIMEType(url)
	}
	return data, mime, nil
}

func classifyGemini(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{Provider: "gemini", Code: apiErr.Code, Body: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &StatusError{Provider: "gemini", Code: apiErrPtr.Code, Body: apiErrPtr.Message}
	}
	return fmt.Errorf("gemini: %w", err)
}
