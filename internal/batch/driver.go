package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/mwahaha/internal/prompt"
	"github.com/kalambet/mwahaha/internal/result"
	"github.com/kalambet/mwahaha/internal/retry"
	"github.com/kalambet/mwahaha/internal/storage"
	"github.com/kalambet/mwahaha/internal/task"
)

const (
	DefaultPlainPacing      = 50 * time.Millisecond
	DefaultCorrectivePacing = time.Second
)

// Generator produces the terminal outcome for one row.
type Generator interface {
	Generate(ctx context.Context, id string, req prompt.Request) result.Outcome
}

// Renderer renders a task template around a row's user input.
type Renderer interface {
	Render(templateID, input string) (string, error)
}

// Journal records runs and row outcomes. It is optional; journal errors are
// logged and never fail a run.
type Journal interface {
	StartRun(r storage.Run) (storage.Run, error)
	RecordOutcome(runID, task string, o result.Outcome) error
	FinishRun(id, status string, succeeded, failed int, errMsg string) error
}

// Pacing is the pause between generation calls.
type Pacing struct {
	Plain      time.Duration
	Corrective time.Duration
}

// Job is one batch pass over a task.
type Job struct {
	Task     task.Spec
	Rows     []task.Row
	Existing result.Set
	// Only, when non-nil, restricts generation to these ids. Ids that
	// already have a valid record are still skipped.
	Only       []string
	Corrective bool
	Model      string
	// Checkpoint persists the reconciled set after every row. A checkpoint
	// error aborts the run.
	Checkpoint func(result.Set) error
}

// RowEvent reports progress after each generated row.
type RowEvent struct {
	Index   int
	Total   int
	Outcome result.Outcome
}

// Summary describes a finished run.
type Summary struct {
	RunID       string
	Required    int
	Pending     int
	Succeeded   int
	Failed      int
	Interrupted bool
	Report      result.Report
}

// Driver runs jobs sequentially: one generation call at a time, paced.
type Driver struct {
	gen     Generator
	render  Renderer
	journal Journal
	pacing  Pacing
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger

	// OnRow, if set, is called after each row's outcome is checkpointed.
	OnRow func(RowEvent)
}

// NewDriver creates a Driver. journal may be nil. Zero pacing values fall
// back to the defaults.
func NewDriver(gen Generator, render Renderer, journal Journal, pacing Pacing) *Driver {
	if pacing.Plain <= 0 {
		pacing.Plain = DefaultPlainPacing
	}
	if pacing.Corrective <= 0 {
		pacing.Corrective = DefaultCorrectivePacing
	}
	return &Driver{
		gen:     gen,
		render:  render,
		journal: journal,
		pacing:  pacing,
		sleep:   retry.Sleep,
		logger:  slog.Default(),
	}
}

// Run generates every pending row of job and returns the reconciled set.
//
// Rows are processed in input order. A row that has started always runs to
// its terminal outcome; cancellation is observed between rows, after the
// last outcome has been checkpointed. Per-row failures never abort the run.
func (d *Driver) Run(ctx context.Context, job Job) (result.Set, Summary, error) {
	required := make([]string, len(job.Rows))
	byID := make(map[string]task.Row, len(job.Rows))
	for i, r := range job.Rows {
		required[i] = r.ID
		byID[r.ID] = r
	}

	pending := result.Pending(required, job.Existing)
	if job.Only != nil {
		pending = restrict(pending, job.Only)
	}

	sum := Summary{Required: len(required), Pending: len(pending)}
	mode, delay := "plain", d.pacing.Plain
	if job.Corrective {
		mode, delay = "corrective", d.pacing.Corrective
	}

	runID := d.startRun(storage.Run{
		Task:     job.Task.Name,
		Mode:     mode,
		Template: job.Task.Template,
		Model:    job.Model,
		Required: sum.Required,
		Pending:  sum.Pending,
	})
	sum.RunID = runID

	log := d.logger.With("task", job.Task.Name, "run_id", runID)
	log.Info("batch started", "required", sum.Required, "pending", sum.Pending, "mode", mode)

	current, rep := result.Reconcile(required, job.Existing, nil)
	outcomes := make([]result.Outcome, 0, len(pending))

	for i, id := range pending {
		if ctx.Err() != nil {
			sum.Interrupted = true
			break
		}
		if i > 0 {
			if err := d.sleep(ctx, delay); err != nil {
				sum.Interrupted = true
				break
			}
		}

		out := d.generate(ctx, job.Task, byID[id])
		outcomes = append(outcomes, out)
		if out.OK() {
			sum.Succeeded++
		} else {
			sum.Failed++
			log.Warn("row failed", "row_id", id, "reason", out.Reason, "error", out.Message)
		}
		d.record(runID, job.Task.Name, out)

		// Each checkpoint re-reconciles and rewrites the whole set, which is
		// quadratic over a run. Task files are a few thousand rows at most.
		current, rep = result.Reconcile(required, job.Existing, outcomes)
		if job.Checkpoint != nil {
			if err := job.Checkpoint(current); err != nil {
				d.finishRun(runID, storage.StatusFailed, sum, err.Error())
				return current, sum, fmt.Errorf("checkpointing %s after row %s: %w", job.Task.Name, id, err)
			}
		}
		if d.OnRow != nil {
			d.OnRow(RowEvent{Index: i + 1, Total: len(pending), Outcome: out})
		}
	}

	sum.Report = rep
	for _, diag := range rep.Diagnostics {
		log.Warn("reconciliation dropped record", "kind", diag.Kind, "row_id", diag.ID, "source", diag.Source)
	}

	status, msg := storage.StatusCompleted, ""
	if sum.Interrupted {
		status = storage.StatusInterrupted
		if cause := context.Cause(ctx); cause != nil {
			msg = cause.Error()
		}
	}
	d.finishRun(runID, status, sum, msg)
	log.Info("batch finished", "succeeded", sum.Succeeded, "failed", sum.Failed,
		"unresolved", len(rep.Unresolved), "interrupted", sum.Interrupted)
	return current, sum, nil
}

// generate formats, renders and generates one row. The generation call is
// detached from ctx so an in-flight row is never cut short.
func (d *Driver) generate(ctx context.Context, spec task.Spec, row task.Row) result.Outcome {
	req := prompt.Format(row, spec.Kind)
	if d.render != nil {
		instruction, err := d.render.Render(spec.Template, req.UserInput)
		if err != nil {
			return result.Failure(row.ID, result.ReasonTemplate, err.Error())
		}
		req.Instruction = instruction
	}
	return d.gen.Generate(context.WithoutCancel(ctx), row.ID, req)
}

func (d *Driver) startRun(r storage.Run) string {
	if d.journal == nil {
		return ""
	}
	started, err := d.journal.StartRun(r)
	if err != nil {
		d.logger.Error("failed to journal run start", "task", r.Task, "error", err)
		return ""
	}
	return started.ID
}

func (d *Driver) record(runID, taskName string, o result.Outcome) {
	if d.journal == nil || runID == "" {
		return
	}
	if err := d.journal.RecordOutcome(runID, taskName, o); err != nil {
		d.logger.Error("failed to journal outcome", "row_id", o.ID, "error", err)
	}
}

func (d *Driver) finishRun(runID, status string, sum Summary, msg string) {
	if d.journal == nil || runID == "" {
		return
	}
	if err := d.journal.FinishRun(runID, status, sum.Succeeded, sum.Failed, msg); err != nil {
		d.logger.Error("failed to journal run end", "run_id", runID, "error", err)
	}
}

func restrict(pending, only []string) []string {
	keep := make(map[string]bool, len(only))
	for _, id := range only {
		keep[id] = true
	}
	out := pending[:0:0]
	for _, id := range pending {
		if keep[id] {
			out = append(out, id)
		}
	}
	return out
}
