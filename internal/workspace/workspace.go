// Package workspace ties task files, templates, the generator and the run
// journal together. The CLI, the explorer API and the MCP server all go
// through it.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/mwahaha/internal/batch"
	"github.com/kalambet/mwahaha/internal/lock"
	"github.com/kalambet/mwahaha/internal/prompt"
	"github.com/kalambet/mwahaha/internal/result"
	"github.com/kalambet/mwahaha/internal/task"
	"github.com/kalambet/mwahaha/internal/tsv"
)

var (
	// ErrNoOutput is returned when a task has no result file yet.
	ErrNoOutput = errors.New("no output file")
	// ErrRowNotFound is returned for a row id absent from the task input.
	ErrRowNotFound = errors.New("row not found")
)

// Options configures a Workspace.
type Options struct {
	DataDir   string
	OutputDir string
	Manifest  task.Manifest
	Templates *prompt.Store
	Generator batch.Generator
	// Journal is optional.
	Journal batch.Journal
	Pacing  batch.Pacing
	Model   string
	Logger  *slog.Logger
}

// Workspace is the set of tasks under one data and output directory.
type Workspace struct {
	dataDir   string
	outputDir string
	manifest  task.Manifest
	templates *prompt.Store
	gen       batch.Generator
	journal   batch.Journal
	pacing    batch.Pacing
	model     string
	logger    *slog.Logger
}

func New(opts Options) *Workspace {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Manifest.Tasks == nil {
		opts.Manifest = task.DefaultManifest()
	}
	return &Workspace{
		dataDir:   opts.DataDir,
		outputDir: opts.OutputDir,
		manifest:  opts.Manifest,
		templates: opts.Templates,
		gen:       opts.Generator,
		journal:   opts.Journal,
		pacing:    opts.Pacing,
		model:     opts.Model,
		logger:    opts.Logger,
	}
}

func (w *Workspace) Manifest() task.Manifest  { return w.manifest }
func (w *Workspace) Templates() *prompt.Store { return w.templates }
func (w *Workspace) Generator() batch.Generator {
	return w.gen
}

// Task looks a task up by name.
func (w *Workspace) Task(name string) (task.Spec, error) {
	return w.manifest.Lookup(name)
}

func (w *Workspace) InputPath(spec task.Spec) string {
	return filepath.Join(w.dataDir, spec.Input)
}

func (w *Workspace) OutputPath(spec task.Spec) string {
	return filepath.Join(w.outputDir, spec.Output())
}

// Rows reads the task's input rows in file order.
func (w *Workspace) Rows(spec task.Spec) ([]task.Row, error) {
	return tsv.ReadRows(w.InputPath(spec))
}

// Results reads the task's current output. A missing file is an empty set;
// an unparsable one is reported and treated as empty.
func (w *Workspace) Results(spec task.Spec) (result.Set, error) {
	return w.results(spec, false)
}

// results reads the output. With quarantine set, an unparsable file is
// moved aside so the next checkpoint does not overwrite it silently.
// Only callers holding the task lock may quarantine.
func (w *Workspace) results(spec task.Spec, quarantine bool) (result.Set, error) {
	path := w.OutputPath(spec)
	set, err := tsv.ReadRecords(path)
	if err == nil {
		return set, nil
	}
	if !errors.Is(err, tsv.ErrMalformed) {
		return nil, err
	}
	if !quarantine {
		w.logger.Warn("output is unparsable, treating as empty", "task", spec.Name, "path", path, "error", err)
		return result.Set{}, nil
	}
	backup := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102T150405"))
	if rerr := os.Rename(path, backup); rerr != nil {
		return nil, fmt.Errorf("quarantining unparsable output %s: %w", path, rerr)
	}
	w.logger.Warn("output is unparsable, moved aside and starting empty", "task", spec.Name, "backup", backup, "error", err)
	return result.Set{}, nil
}

func (w *Workspace) acquire(spec task.Spec) (*lock.Lock, error) {
	l, err := lock.Acquire(w.outputDir, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", spec.Name, err)
	}
	return l, nil
}

func (w *Workspace) write(spec task.Spec, set result.Set) error {
	return tsv.WriteRecords(w.OutputPath(spec), set)
}

// RunOptions narrows a run.
type RunOptions struct {
	// Limit processes only the first Limit input rows. Records of later
	// rows are kept as they are.
	Limit int
	// Only, when non-nil, restricts generation to these ids.
	Only       []string
	Corrective bool
	OnRow      func(batch.RowEvent)
}

// Run generates every pending row of spec and persists the result after
// each row. It holds the task lock for its whole duration.
func (w *Workspace) Run(ctx context.Context, spec task.Spec, opts RunOptions) (batch.Summary, error) {
	if _, err := w.templates.Load(spec.Template); err != nil {
		return batch.Summary{}, fmt.Errorf("task %s: %w", spec.Name, err)
	}
	rows, err := w.Rows(spec)
	if err != nil {
		return batch.Summary{}, err
	}

	l, err := w.acquire(spec)
	if err != nil {
		return batch.Summary{}, err
	}
	defer l.Release()

	existing, err := w.results(spec, true)
	if err != nil {
		return batch.Summary{}, err
	}

	only := opts.Only
	if opts.Limit > 0 && opts.Limit < len(rows) {
		only = limitIDs(tsv.IDs(rows[:opts.Limit]), only)
	}

	d := batch.NewDriver(w.gen, w.templates, w.journal, w.pacing)
	d.OnRow = opts.OnRow
	set, sum, err := d.Run(ctx, batch.Job{
		Task:       spec,
		Rows:       rows,
		Existing:   existing,
		Only:       only,
		Corrective: opts.Corrective,
		Model:      w.model,
		Checkpoint: func(s result.Set) error { return w.write(spec, s) },
	})
	if err != nil {
		return sum, err
	}
	// Nothing may have been pending; persist the reconciled set anyway so
	// orphans and duplicates from older files are gone.
	if err := w.write(spec, set); err != nil {
		return sum, err
	}
	return sum, nil
}

// limitIDs intersects the first-N ids with an explicit selection, keeping
// the first-N order.
func limitIDs(first, only []string) []string {
	if only == nil {
		return first
	}
	keep := make(map[string]bool, len(only))
	for _, id := range only {
		keep[id] = true
	}
	out := []string{}
	for _, id := range first {
		if keep[id] {
			out = append(out, id)
		}
	}
	return out
}

// Finalize rewrites a task's output as the reconciliation of its current
// content against the input, without generating anything.
func (w *Workspace) Finalize(spec task.Spec) (result.Set, result.Report, error) {
	rows, err := w.Rows(spec)
	if err != nil {
		return nil, result.Report{}, err
	}
	if _, err := os.Stat(w.OutputPath(spec)); errors.Is(err, fs.ErrNotExist) {
		return nil, result.Report{}, fmt.Errorf("finalizing %s: %w", spec.Name, ErrNoOutput)
	}

	l, err := w.acquire(spec)
	if err != nil {
		return nil, result.Report{}, err
	}
	defer l.Release()

	existing, err := w.results(spec, true)
	if err != nil {
		return nil, result.Report{}, err
	}
	set, rep := result.Reconcile(tsv.IDs(rows), existing, nil)
	if err := w.write(spec, set); err != nil {
		return nil, result.Report{}, err
	}
	for _, d := range rep.Diagnostics {
		w.logger.Warn("finalize dropped record", "task", spec.Name, "kind", d.Kind, "row_id", d.ID)
	}
	if n := len(rep.Unresolved); n > 0 {
		w.logger.Warn("finalized output has unresolved rows", "task", spec.Name, "count", n)
	}
	return set, rep, nil
}

// Status summarizes a task's output.
type Status struct {
	Task     task.Spec
	Required int
	Counts   result.Counts
	Pending  []string
}

// Status reports how far a task has progressed.
func (w *Workspace) Status(spec task.Spec) (Status, error) {
	rows, err := w.Rows(spec)
	if err != nil {
		return Status{}, err
	}
	existing, err := w.Results(spec)
	if err != nil {
		return Status{}, err
	}
	required := tsv.IDs(rows)
	set, _ := result.Reconcile(required, existing, nil)
	return Status{
		Task:     spec,
		Required: len(required),
		Counts:   set.Counts(),
		Pending:  result.Pending(required, existing),
	}, nil
}

// Clean normalizes every valid caption of spec in place. Captions that
// continue their prompt are joined back onto it first. Failure markers
// and empty rows are untouched, and a caption that would clean down to
// nothing is kept as it was. It returns how many records changed.
func (w *Workspace) Clean(spec task.Spec) (int, error) {
	rows, err := w.Rows(spec)
	if err != nil {
		return 0, err
	}
	l, err := w.acquire(spec)
	if err != nil {
		return 0, err
	}
	defer l.Release()

	existing, err := w.results(spec, true)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]task.Row, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}

	cleaned := existing.Map(func(rec result.Record) string {
		text := CleanCaption(rec.Text, byID[rec.ID].Field("prompt"))
		if text == "" {
			w.logger.Warn("cleaning would empty caption, keeping original", "task", spec.Name, "row_id", rec.ID)
			return rec.Text
		}
		return text
	})
	changed := 0
	for i := range cleaned {
		if cleaned[i].Text != existing[i].Text {
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	if err := w.write(spec, cleaned); err != nil {
		return 0, err
	}
	return changed, nil
}
