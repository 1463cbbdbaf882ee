package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestComplete_TextOnly(t *testing.T) {
	var got chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ha"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL, "gpt-4o-mini", 0)
	text, err := c.Complete(context.Background(), Call{
		System:      "be funny",
		Prompt:      "Headline: 'x'",
		MaxTokens:   300,
		Temperature: 0.8,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "ha" {
		t.Errorf("text = %q, want %q", text, "ha")
	}
	if got.Model != "gpt-4o-mini" || got.MaxTokens != 300 || got.Temperature != 0.8 {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v, want system + user", got.Messages)
	}
	var user string
	if err := json.Unmarshal(got.Messages[1].Content, &user); err != nil {
		t.Fatalf("user content is not a string: %v", err)
	}
	if user != "Headline: 'x'" {
		t.Errorf("user content = %q", user)
	}
}

func TestComplete_InlineMedia(t *testing.T) {
	var parts []contentPart

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if err := json.Unmarshal(req.Messages[len(req.Messages)-1].Content, &parts); err != nil {
			t.Errorf("user content is not a part list: %v", err)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"caption"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("k", srv.URL, "m", 0)
	_, err := c.Complete(context.Background(), Call{
		Prompt: "caption this",
		Media:  &Media{Data: []byte("GIF89a"), MIMEType: "image/gif"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(parts) != 2 || parts[1].ImageURL == nil {
		t.Fatalf("parts = %+v, want text + image_url", parts)
	}
	if !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/gif;base64,") {
		t.Errorf("image url = %q, want gif data URL", parts[1].ImageURL.URL)
	}
}

func TestComplete_RemoteMedia(t *testing.T) {
	var parts []contentPart

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.Unmarshal(req.Messages[len(req.Messages)-1].Content, &parts)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"caption"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("k", srv.URL, "m", 0)
	if _, err := c.Complete(context.Background(), Call{
		Prompt: "p",
		Media:  &Media{URL: "https://media.example.com/cat.gif"},
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(parts) != 2 || parts[1].ImageURL.URL != "https://media.example.com/cat.gif" {
		t.Errorf("parts = %+v, want remote url passed through", parts)
	}
}

func TestComplete_AuthHeader(t *testing.T) {
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"x"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL, "m", 0)
	if _, err := c.Complete(context.Background(), Call{Prompt: "p"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	want := "Bearer test-key"
	if gotAuth != want {
		t.Errorf("Authorization = %q, want %q", gotAuth, want)
	}
}

func TestComplete_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		transient bool
	}{
		{http.StatusTooManyRequests, `{"error":{"code":"rate_limit_exceeded"}}`, true},
		{http.StatusInternalServerError, "boom", true},
		{http.StatusServiceUnavailable, "", true},
		{http.StatusRequestTimeout, "", true},
		{http.StatusBadRequest, `{"error":{"message":"invalid image"}}`, false},
		{http.StatusUnauthorized, "bad key", false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewOpenAIClient("k", srv.URL, "m", 0)
			_, err := c.Complete(context.Background(), Call{Prompt: "p"})

			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *StatusError", err)
			}
			if se.Code != tt.status {
				t.Errorf("Code = %d, want %d", se.Code, tt.status)
			}
			if got := IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
		})
	}
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("k", srv.URL, "m", 0)
	_, err := c.Complete(context.Background(), Call{Prompt: "p"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
	if IsTransient(err) {
		t.Error("empty response classified as transient")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q, want /models", r.URL.Path)
		}
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-4o-mini","object":"model"}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("k", srv.URL, "m", 0)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0].ID != "gpt-4o-mini" {
		t.Errorf("models = %+v", models)
	}
}

func TestIsTransient_Timeout(t *testing.T) {
	if !IsTransient(fmt.Errorf("executing request: %w", context.DeadlineExceeded)) {
		t.Error("deadline exceeded not classified as transient")
	}
	if IsTransient(errors.New("whatever")) {
		t.Error("plain error classified as transient")
	}
}

func TestMIMEType(t *testing.T) {
	tests := map[string]string{
		"cache/abc.gif":                  "image/gif",
		"https://x.test/a.PNG?size=full": "image/png",
		"pic.webp":                       "image/webp",
		"photo.jpg":                      "image/jpeg",
		"noext":                          "image/jpeg",
	}
	for in, want := range tests {
		if got := MIMEType(in); got != want {
			t.Errorf("MIMEType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNew_NotConfigured(t *testing.T) {
	_, err := New(context.Background(), Options{Provider: ProviderOpenAI})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}
