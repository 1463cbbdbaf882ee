package textclean

import "testing"

func TestCaption(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "When the wifi drops mid-meeting", "When the wifi drops mid-meeting"},
		{"prompt prefix", "Prompt: when the coffee kicks in", "when the coffee kicks in"},
		{"prompt prefix case", "prompt:   me at 3am", "me at 3am"},
		{"blank", "Me trying to ______ adult", "Me trying to adult"},
		{"trailing note", "Monday energy (12 words)", "Monday energy"},
		{"leading ellipsis", "...and then it fell", "and then it fell"},
		{"brackets and bold", "[**Plot twist**]: it was a cat", "Plot twist: it was a cat"},
		{"doubled emphasis", `He said ""never"" again`, "He said 'never' again"},
		{"wrapped quotes", `"""So done"""`, "So done"},
		{"quote ellipsis", `Waiting ""... forever`, "Waiting forever"},
		{"whitespace", "  too   many\tspaces  ", "too many spaces"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Caption(tt.in); got != tt.want {
				t.Errorf("Caption(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCaptionIdempotent(t *testing.T) {
	inputs := []string{
		`"Prompt: ""wow"" ...(note)"`,
		"...[x] **y** ______ z",
		"'\"nested\"'",
	}
	for _, in := range inputs {
		once := Caption(in)
		if twice := Caption(once); twice != once {
			t.Errorf("Caption not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestReconstruct(t *testing.T) {
	prompt := "When your code works on the first try ______"

	got := Reconstruct("...and you have no idea why", prompt)
	want := "When your code works on the first try and you have no idea why"
	if got != want {
		t.Errorf("Reconstruct = %q, want %q", got, want)
	}

	if got := Reconstruct("…suspicious", "Me ______"); got != "Me suspicious" {
		t.Errorf("Reconstruct(unicode ellipsis) = %q", got)
	}

	full := "When your code works and you panic"
	if got := Reconstruct(full, prompt); got != full {
		t.Errorf("Reconstruct changed a complete caption: %q", got)
	}
}

func TestCompare(t *testing.T) {
	prompt := "When the ______ hits"
	tests := []struct {
		output string
		want   Consistency
	}{
		{"when the   BASS hits hard", Mismatch},
		{"When the hits", Full},
		{"Honestly, when the hits different", Partial},
		{"Completely unrelated", Mismatch},
	}
	for _, tt := range tests {
		if got := Compare(prompt, tt.output); got != tt.want {
			t.Errorf("Compare(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}
