// Package analysis reports how well a task's output matches its input and
// the length rules each task kind is judged by. It never modifies outputs.
package analysis

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/mwahaha/internal/result"
	"github.com/kalambet/mwahaha/internal/task"
	"github.com/kalambet/mwahaha/internal/textclean"
)

const (
	maxHeadlineSentences = 3
	maxGIFWords          = 20
	maxViolations        = 5
	concurrency          = 4
)

// Bucket is one bar of a length distribution.
type Bucket struct {
	Label string
	Count int
}

// Stats summarizes word counts of valid outputs.
type Stats struct {
	Mean   float64
	Median float64
	Min    int
	Max    int
}

// Violation is an output that breaks its task's length rule.
type Violation struct {
	ID      string
	Measure int
	Text    string
}

// Consistency tallies gif_prompt outputs against their prompts.
type Consistency struct {
	Full       int
	Partial    int
	Mismatch   int
	Mismatches []string
}

// Report is the analysis of one task.
type Report struct {
	Task       string
	Kind       task.Kind
	InputRows  int
	OutputRows int
	Matched    int
	Empty      int
	Errors     int

	Rule         string
	Checked      int
	Compliant    int
	Distribution []Bucket
	Words        Stats
	Violations   []Violation

	Consistency *Consistency
}

// OK reports whether every input row has a valid output.
func (r Report) OK() bool {
	return r.Errors == 0 && r.Empty == 0 && r.Matched == r.InputRows
}

// CompliancePercent returns the share of checked outputs that follow the
// task's rule.
func (r Report) CompliancePercent() float64 {
	if r.Checked == 0 {
		return 0
	}
	return float64(r.Compliant) / float64(r.Checked) * 100
}

var sentenceBreak = regexp.MustCompile(`[.!?]+`)

// CountSentences counts non-empty runs of text between sentence terminators.
func CountSentences(text string) int {
	n := 0
	for _, s := range sentenceBreak.Split(text, -1) {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	return n
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// Analyze inspects one task's output against its input rows.
func Analyze(spec task.Spec, rows []task.Row, set result.Set) Report {
	rep := Report{
		Task:       spec.Name,
		Kind:       spec.Kind,
		InputRows:  len(rows),
		OutputRows: len(set),
	}

	inputs := make(map[string]task.Row, len(rows))
	for _, r := range rows {
		inputs[r.ID] = r
	}

	var valid []result.Record
	for _, rec := range set {
		if _, ok := inputs[rec.ID]; ok {
			rep.Matched++
		}
		switch {
		case strings.TrimSpace(rec.Text) == "":
			rep.Empty++
		case result.IsFailureMarker(rec.Text):
			rep.Errors++
		default:
			valid = append(valid, rec)
		}
	}

	words := make([]int, len(valid))
	for i, rec := range valid {
		words[i] = CountWords(rec.Text)
	}
	rep.Words = wordStats(words)

	switch spec.Kind {
	case task.KindHeadline:
		rep.Rule = fmt.Sprintf("1-%d sentences", maxHeadlineSentences)
		sentences := make([]int, len(valid))
		for i, rec := range valid {
			sentences[i] = CountSentences(rec.Text)
		}
		rep.Distribution = []Bucket{
			{"1 sentence", count(sentences, 1, 1)},
			{"2 sentences", count(sentences, 2, 2)},
			{"3 sentences", count(sentences, 3, 3)},
			{"4+ sentences", count(sentences, 4, -1)},
		}
		rep.check(valid, sentences, func(n int) bool { return n >= 1 && n <= maxHeadlineSentences })
	case task.KindGIF:
		rep.Rule = fmt.Sprintf("<=%d words", maxGIFWords)
		rep.Distribution = []Bucket{
			{"<=10 words", count(words, 0, 10)},
			{"11-15 words", count(words, 11, 15)},
			{"16-20 words", count(words, 16, 20)},
			{"21-25 words", count(words, 21, 25)},
			{">25 words", count(words, 26, -1)},
		}
		rep.check(valid, words, func(n int) bool { return n <= maxGIFWords })
	case task.KindGIFPrompt:
		rep.Consistency = consistency(valid, inputs)
	}
	return rep
}

func (r *Report) check(valid []result.Record, measures []int, ok func(int) bool) {
	r.Checked = len(valid)
	for i, rec := range valid {
		if ok(measures[i]) {
			r.Compliant++
			continue
		}
		r.Violations = append(r.Violations, Violation{ID: rec.ID, Measure: measures[i], Text: rec.Text})
	}
	sort.SliceStable(r.Violations, func(i, j int) bool {
		return r.Violations[i].Measure > r.Violations[j].Measure
	})
	if len(r.Violations) > maxViolations {
		r.Violations = r.Violations[:maxViolations]
	}
}

func consistency(valid []result.Record, inputs map[string]task.Row) *Consistency {
	c := &Consistency{}
	for _, rec := range valid {
		row, ok := inputs[rec.ID]
		if !ok {
			continue
		}
		switch textclean.Compare(row.Field("prompt"), rec.Text) {
		case textclean.Full:
			c.Full++
		case textclean.Partial:
			c.Partial++
		default:
			c.Mismatch++
			c.Mismatches = append(c.Mismatches, rec.ID)
		}
	}
	return c
}

// count returns how many values fall in [lo, hi]; hi < 0 means unbounded.
func count(values []int, lo, hi int) int {
	n := 0
	for _, v := range values {
		if v >= lo && (hi < 0 || v <= hi) {
			n++
		}
	}
	return n
}

func wordStats(words []int) Stats {
	if len(words) == 0 {
		return Stats{}
	}
	sorted := slices.Clone(words)
	slices.Sort(sorted)

	sum := 0
	for _, w := range sorted {
		sum += w
	}
	mid := len(sorted) / 2
	median := float64(sorted[mid])
	if len(sorted)%2 == 0 {
		median = float64(sorted[mid-1]+sorted[mid]) / 2
	}
	return Stats{
		Mean:   float64(sum) / float64(len(sorted)),
		Median: median,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
}

// LoadFunc returns the input rows and current output of a task.
type LoadFunc func(spec task.Spec) ([]task.Row, result.Set, error)

// AnalyzeAll analyzes every task concurrently. Reports come back in the
// order of specs; the first load error cancels the rest.
func AnalyzeAll(ctx context.Context, specs []task.Spec, load LoadFunc) ([]Report, error) {
	reports := make([]Report, len(specs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, spec := range specs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows, set, err := load(spec)
			if err != nil {
				return fmt.Errorf("analyzing %s: %w", spec.Name, err)
			}
			reports[i] = Analyze(spec, rows, set)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
