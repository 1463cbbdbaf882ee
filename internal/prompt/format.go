package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/mwahaha/internal/task"
)

// GIFInstruction is the user input for rows that carry nothing but media.
const GIFInstruction = "Generate a punchy, surprising caption for this GIF."

// Request is everything needed to generate one row. Instruction is empty
// until a template has been rendered.
type Request struct {
	UserInput     string
	Instruction   string
	Media         string
	MediaRequired bool
}

// Text returns the rendered instruction, or the raw user input when no
// template was applied.
func (r Request) Text() string {
	if r.Instruction != "" {
		return r.Instruction
	}
	return r.UserInput
}

// Format turns a row into a request. It never fails and is deterministic.
func Format(row task.Row, kind task.Kind) Request {
	switch kind {
	case task.KindHeadline:
		return Request{UserInput: headlineInput(row)}
	case task.KindGIF:
		return Request{
			UserInput:     GIFInstruction,
			Media:         strings.TrimSpace(row.Field("url")),
			MediaRequired: true,
		}
	case task.KindGIFPrompt:
		return Request{
			UserInput:     "Prompt: " + row.Field("prompt"),
			Media:         strings.TrimSpace(row.Field("url")),
			MediaRequired: true,
		}
	default:
		return Request{UserInput: fieldsInput(row)}
	}
}

func headlineInput(row task.Row) string {
	w1, w2, headline := row.Field("word1"), row.Field("word2"), row.Field("headline")
	if !present(w1) || !present(w2) {
		return fmt.Sprintf("Headline: '%s'", headline)
	}
	words := fmt.Sprintf("Words: '%s', '%s'", w1, w2)
	if !present(headline) {
		return words
	}
	return words + fmt.Sprintf(". Headline: '%s'", headline)
}

// present treats "-" as the dataset's placeholder for a missing value.
func present(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && v != "-"
}

func fieldsInput(row task.Row) string {
	keys := make([]string, 0, len(row.Fields))
	for k := range row.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+row.Fields[k])
	}
	return strings.Join(parts, "; ")
}
