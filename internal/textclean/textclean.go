// Package textclean normalizes generated captions after the fact.
package textclean

import (
	"regexp"
	"strings"
)

// Blank is the fill-in placeholder used in gif_prompt inputs.
const Blank = "______"

var (
	promptPrefix  = regexp.MustCompile(`(?i)^Prompt:\s*`)
	trailingParen = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
	leadingDots   = regexp.MustCompile(`^(\.\.\.+|…+)`)
	doubledQuote  = regexp.MustCompile(`""([^"]+)""`)
	quoteEllipsis = regexp.MustCompile(`""\.\.\.`)
	strayDoubled  = regexp.MustCompile(`\s*""\s*`)
)

// Caption strips the artifacts models leave around a caption: echoed
// "Prompt:" prefixes, blanks, trailing parenthetical notes, leading
// ellipses, brackets, bold markers and stray quotes. Whitespace is
// collapsed. Caption is idempotent.
func Caption(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	for {
		next := caption(text)
		if next == text {
			return next
		}
		text = next
	}
}

func caption(text string) string {
	text = strings.Trim(text, `"'`)
	text = promptPrefix.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, Blank+" ", "")
	text = strings.ReplaceAll(text, Blank, "")
	text = trailingParen.ReplaceAllString(text, "")
	text = leadingDots.ReplaceAllString(text, "")
	text = strings.NewReplacer("[", "", "]", "", "**", "").Replace(text)
	text = doubledQuote.ReplaceAllString(text, "'$1'")
	text = quoteEllipsis.ReplaceAllString(text, "")
	text = strayDoubled.ReplaceAllString(text, " ")
	text = strings.Join(strings.Fields(text), " ")
	return strings.TrimSpace(strings.Trim(text, `"'`))
}

// NeedsReconstruction reports whether text is a bare continuation of the
// prompt, i.e. starts with an ellipsis.
func NeedsReconstruction(text string) bool {
	return strings.HasPrefix(text, "...") || strings.HasPrefix(text, "…")
}

// Reconstruct joins a continuation back onto its prompt with the blank
// removed. Text that is not a continuation is returned unchanged.
func Reconstruct(text, prompt string) string {
	if !NeedsReconstruction(text) {
		return text
	}
	continuation := strings.TrimSpace(leadingDots.ReplaceAllString(text, ""))
	base := strings.TrimSpace(strings.ReplaceAll(prompt, Blank, ""))
	return strings.Join(strings.Fields(base+" "+continuation), " ")
}

// Consistency classifies how an output relates to its prompt.
type Consistency int

const (
	// Full means the output starts with the prompt.
	Full Consistency = iota
	// Partial means the prompt appears later in the output.
	Partial
	// Mismatch means the prompt does not appear at all.
	Mismatch
)

func (c Consistency) String() string {
	switch c {
	case Full:
		return "full"
	case Partial:
		return "partial"
	default:
		return "mismatch"
	}
}

// Compare checks whether output preserves prompt, ignoring case, blanks
// and whitespace runs.
func Compare(prompt, output string) Consistency {
	p, o := normalize(prompt), normalize(output)
	switch {
	case strings.HasPrefix(o, p):
		return Full
	case strings.Contains(o, p):
		return Partial
	default:
		return Mismatch
	}
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, Blank, "")
	s = strings.ReplaceAll(s, "_____", "")
	return strings.Join(strings.Fields(s), " ")
}
