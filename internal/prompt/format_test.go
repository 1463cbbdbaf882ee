package prompt

import (
	"testing"

	"github.com/kalambet/mwahaha/internal/task"
)

func row(id string, kv ...string) task.Row {
	r := task.Row{ID: id, Fields: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		r.Fields[kv[i]] = kv[i+1]
	}
	return r
}

func TestFormat_Headline(t *testing.T) {
	tests := []struct {
		name string
		row  task.Row
		want string
	}{
		{
			name: "words and headline",
			row:  row("1", "word1", "cat", "word2", "piano", "headline", "Markets fall"),
			want: "Words: 'cat', 'piano'. Headline: 'Markets fall'",
		},
		{
			name: "words only",
			row:  row("2", "word1", "cat", "word2", "piano", "headline", "-"),
			want: "Words: 'cat', 'piano'",
		},
		{
			name: "headline only",
			row:  row("3", "word1", "-", "word2", "-", "headline", "Rain expected"),
			want: "Headline: 'Rain expected'",
		},
		{
			name: "one word missing",
			row:  row("4", "word1", "cat", "word2", "-", "headline", "Rain expected"),
			want: "Headline: 'Rain expected'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Format(tt.row, task.KindHeadline)
			if req.UserInput != tt.want {
				t.Errorf("UserInput = %q, want %q", req.UserInput, tt.want)
			}
			if req.Media != "" || req.MediaRequired {
				t.Errorf("headline request carries media: %+v", req)
			}
		})
	}
}

func TestFormat_GIF(t *testing.T) {
	req := Format(row("b1", "url", " https://x.test/a.gif "), task.KindGIF)
	if req.UserInput != GIFInstruction {
		t.Errorf("UserInput = %q, want %q", req.UserInput, GIFInstruction)
	}
	if req.Media != "https://x.test/a.gif" {
		t.Errorf("Media = %q", req.Media)
	}
	if !req.MediaRequired {
		t.Error("MediaRequired = false, want true")
	}
}

func TestFormat_GIFPrompt(t *testing.T) {
	req := Format(row("b2", "url", "gifs/a.gif", "prompt", "When the build ______"), task.KindGIFPrompt)
	if req.UserInput != "Prompt: When the build ______" {
		t.Errorf("UserInput = %q", req.UserInput)
	}
	if req.Media != "gifs/a.gif" || !req.MediaRequired {
		t.Errorf("media = %q required=%v", req.Media, req.MediaRequired)
	}
}

func TestFormat_UnknownKindDeterministic(t *testing.T) {
	r := row("x", "b", "2", "a", "1", "c", "3")
	first := Format(r, task.Kind("other")).UserInput
	for range 10 {
		if got := Format(r, task.Kind("other")).UserInput; got != first {
			t.Fatalf("non-deterministic: %q vs %q", got, first)
		}
	}
	if first != "a=1; b=2; c=3" {
		t.Errorf("UserInput = %q, want %q", first, "a=1; b=2; c=3")
	}
}

func TestRequestText(t *testing.T) {
	if got := (Request{UserInput: "raw"}).Text(); got != "raw" {
		t.Errorf("Text() = %q, want raw", got)
	}
	if got := (Request{UserInput: "raw", Instruction: "rendered"}).Text(); got != "rendered" {
		t.Errorf("Text() = %q, want rendered", got)
	}
}
