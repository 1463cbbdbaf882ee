package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/mwahaha/internal/analysis"
	"github.com/kalambet/mwahaha/internal/archive"
	"github.com/kalambet/mwahaha/internal/generate"
	"github.com/kalambet/mwahaha/internal/prompt"
	"github.com/kalambet/mwahaha/internal/result"
	"github.com/kalambet/mwahaha/internal/task"
	"github.com/kalambet/mwahaha/internal/textclean"
	"github.com/kalambet/mwahaha/internal/tsv"
)

// CleanCaption reconstructs a continuation against its prompt (when the
// row has one) and then normalizes it.
func CleanCaption(text, promptText string) string {
	if promptText != "" {
		text = textclean.Reconstruct(text, promptText)
	}
	return textclean.Caption(text)
}

// Check is the row-count verification of one task.
type Check struct {
	Task       string
	InputRows  int
	OutputRows int
	Missing    bool // output file does not exist
	OrderOK    bool
}

// OK reports whether the output matches the input id for id.
func (c Check) OK() bool {
	return !c.Missing && c.OrderOK && c.InputRows == c.OutputRows
}

// Verify checks every task's output against its input, concurrently.
func (w *Workspace) Verify(ctx context.Context) ([]Check, error) {
	specs := w.manifest.Tasks
	checks := make([]Check, len(specs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, spec := range specs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c, err := w.verify(spec)
			if err != nil {
				return fmt.Errorf("verifying %s: %w", spec.Name, err)
			}
			checks[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return checks, nil
}

func (w *Workspace) verify(spec task.Spec) (Check, error) {
	rows, err := w.Rows(spec)
	if err != nil {
		return Check{}, err
	}
	c := Check{Task: spec.Name, InputRows: len(rows)}
	path := w.OutputPath(spec)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		c.Missing = true
		return c, nil
	}
	set, err := tsv.ReadRecords(path)
	if err != nil {
		return Check{}, err
	}
	c.OutputRows = len(set)
	c.OrderOK = slices.Equal(tsv.IDs(rows), set.IDs())
	return c, nil
}

// Analyze reports compliance statistics for every task.
func (w *Workspace) Analyze(ctx context.Context) ([]analysis.Report, error) {
	return analysis.AnalyzeAll(ctx, w.manifest.Tasks, func(spec task.Spec) ([]task.Row, result.Set, error) {
		rows, err := w.Rows(spec)
		if err != nil {
			return nil, nil, err
		}
		set, err := w.Results(spec)
		if err != nil {
			return nil, nil, err
		}
		return rows, set, nil
	})
}

// Archive zips every task output into dest.
func (w *Workspace) Archive(dest string) (archive.Result, error) {
	names := make([]string, len(w.manifest.Tasks))
	for i, spec := range w.manifest.Tasks {
		names[i] = spec.Output()
	}
	return archive.Create(dest, w.outputDir, names)
}

// Trial is the outcome of generating a single row outside of a batch.
type Trial struct {
	Request  prompt.Request
	Rendered string
	Outcome  result.Outcome
}

// TrialOptions configures Try.
type TrialOptions struct {
	// Template overrides the task's template with raw template text.
	Template string
	// Media, if set, localizes remote media before generation.
	Media *generate.MediaCache
}

// FindRow returns the input row with the given id.
func (w *Workspace) FindRow(spec task.Spec, id string) (task.Row, error) {
	rows, err := w.Rows(spec)
	if err != nil {
		return task.Row{}, err
	}
	for _, r := range rows {
		if r.ID == id {
			return r, nil
		}
	}
	return task.Row{}, fmt.Errorf("%w: %q in %s", ErrRowNotFound, id, spec.Name)
}

// Try renders and generates one row without touching the task's output.
// Template errors are returned as errors, not outcomes, since nothing is
// persisted.
func (w *Workspace) Try(ctx context.Context, spec task.Spec, row task.Row, opts TrialOptions) (Trial, error) {
	req := prompt.Format(row, spec.Kind)
	var (
		rendered string
		err      error
	)
	if opts.Template != "" {
		rendered, err = w.templates.RenderText(opts.Template, req.UserInput)
	} else {
		rendered, err = w.templates.Render(spec.Template, req.UserInput)
	}
	if err != nil {
		return Trial{}, err
	}
	req.Instruction = rendered
	if opts.Media != nil && req.Media != "" {
		req.Media = opts.Media.Localize(ctx, req.Media)
	}
	return Trial{
		Request:  req,
		Rendered: rendered,
		Outcome:  w.gen.Generate(ctx, row.ID, req),
	}, nil
}
