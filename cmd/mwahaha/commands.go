package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/mwahaha/internal/analysis"
	"github.com/kalambet/mwahaha/internal/batch"
	"github.com/kalambet/mwahaha/internal/config"
	"github.com/kalambet/mwahaha/internal/llm"
	"github.com/kalambet/mwahaha/internal/result"
	"github.com/kalambet/mwahaha/internal/workspace"
)

var (
	errVerifyFailed = errors.New("verification failed")
	errDoctorFailed = errors.New("doctor found problems")
)

// withApp builds the app for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()
	return fn(ctx, a)
}

// parseIDs splits a comma-separated id list. An explicitly empty list is
// non-nil so it selects nothing.
func parseIDs(raw string) []string {
	ids := []string{}
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run [task...]",
	Short: "Generate outputs for every pending row",
	Long: `Generate outputs for every pending row of the given tasks, or of all
tasks when none are named. Rows with a valid output are skipped; failed
and missing rows are retried. Progress is saved after every row, so an
interrupted run resumes where it stopped.

Examples:
  mwahaha run
  mwahaha run task-a-en --limit 20
  mwahaha run task-b2 --only b2_017,b2_042 --corrective`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		corrective, _ := cmd.Flags().GetBool("corrective")
		var only []string
		if cmd.Flags().Changed("only") {
			raw, _ := cmd.Flags().GetString("only")
			only = parseIDs(raw)
		}
		if limit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			specs, err := a.ws.Manifest().Select(args)
			if err != nil {
				return err
			}
			if err := a.cfg.CheckGeneration(); err != nil {
				printWarning("%v", err)
				printWarning("rows will be marked %s", result.ReasonNotConfigured)
			}

			for _, spec := range specs {
				printStep("Running %s", spec.Name)
				sum, err := a.ws.Run(ctx, spec, workspace.RunOptions{
					Limit:      limit,
					Only:       only,
					Corrective: corrective,
					OnRow:      printRowEvent,
				})
				if err != nil {
					return err
				}
				printRunSummary(spec.Name, sum)
				if sum.Interrupted {
					printWarning("Interrupted; run again to resume")
					return fmt.Errorf("run of %s interrupted: %w", spec.Name, context.Cause(ctx))
				}
			}
			return nil
		})
	},
}

func init() {
	runCmd.Flags().Int("limit", 0, "process only the first N input rows (0 = all)")
	runCmd.Flags().String("only", "", "comma-separated row ids to regenerate")
	runCmd.Flags().Bool("corrective", false, "use the slower corrective pacing")
}

func printRowEvent(ev batch.RowEvent) {
	status := render(successStyle, "ok")
	if !ev.Outcome.OK() {
		status = render(errorStyle, string(ev.Outcome.Reason))
	}
	fmt.Fprintf(stderr, "  %s %s %s\n",
		render(mutedStyle, fmt.Sprintf("[%d/%d]", ev.Index, ev.Total)), ev.Outcome.ID, status)
}

func printRunSummary(name string, sum batch.Summary) {
	if sum.Pending == 0 {
		printSuccess("%s: nothing to do (%d rows complete)", name, sum.Required)
	} else if sum.Failed == 0 {
		printSuccess("%s: %d generated", name, sum.Succeeded)
	} else {
		printWarning("%s: %d generated, %d failed", name, sum.Succeeded, sum.Failed)
	}
	if n := len(sum.Report.Unresolved); n > 0 {
		printStatus("Unresolved", "%d rows", n)
	}
	for _, d := range sum.Report.Diagnostics {
		printWarning("dropped %s", d)
	}
}

// --- finalize ---

var finalizeCmd = &cobra.Command{
	Use:   "finalize [task...]",
	Short: "Reconcile outputs against inputs without generating",
	Long: `Rewrite each task's output so it lists exactly the input rows, in input
order: records for unknown ids and repeated records are dropped, and rows
without a valid output are reported. Nothing is sent to the model.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			specs, err := a.ws.Manifest().Select(args)
			if err != nil {
				return err
			}
			for _, spec := range specs {
				set, rep, err := a.ws.Finalize(spec)
				if errors.Is(err, workspace.ErrNoOutput) {
					printWarning("%s: no output yet", spec.Name)
					continue
				}
				if err != nil {
					return err
				}
				c := set.Counts()
				printSuccess("%s: %d valid, %d failed, %d empty", spec.Name, c.Valid, c.Failed, c.Empty)
				for _, d := range rep.Diagnostics {
					printWarning("dropped %s", d)
				}
				if n := len(rep.Unresolved); n > 0 {
					printWarning("%s: %d rows still need output", spec.Name, n)
				}
			}
			return nil
		})
	},
}

// --- verify ---

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that every output matches its input row for row",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			checks, err := a.ws.Verify(ctx)
			if err != nil {
				return err
			}
			failed := 0
			rows := make([][]string, 0, len(checks))
			for _, c := range checks {
				status := render(successStyle, "OK")
				switch {
				case c.Missing:
					status = render(errorStyle, "MISSING")
				case !c.OK():
					status = render(errorStyle, "MISMATCH")
				}
				if !c.OK() {
					failed++
				}
				out := strconv.Itoa(c.OutputRows)
				if c.Missing {
					out = "-"
				}
				rows = append(rows, []string{c.Task, strconv.Itoa(c.InputRows), out, status})
			}
			printTable(cmd.OutOrStdout(), []string{"Task", "Input", "Output", "Status"}, rows)
			if failed > 0 {
				printError("%d of %d tasks do not match their input", failed, len(checks))
				return errVerifyFailed
			}
			printSuccess("All %d tasks match their input", len(checks))
			return nil
		})
	},
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Report output quality and length-rule compliance per task",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			reports, err := a.ws.Analyze(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range reports {
				printReport(w, r)
			}
			return nil
		})
	},
}

func printReport(w io.Writer, r analysis.Report) {
	fmt.Fprintln(w, render(titleStyle, fmt.Sprintf("%s (%s)", r.Task, r.Kind)))
	fmt.Fprintf(w, "  rows: %d input, %d output, %d matched\n", r.InputRows, r.OutputRows, r.Matched)
	fmt.Fprintf(w, "  empty: %d  errors: %d\n", r.Empty, r.Errors)
	if r.Rule != "" {
		fmt.Fprintf(w, "  rule %s: %d/%d compliant (%.1f%%)\n", r.Rule, r.Compliant, r.Checked, r.CompliancePercent())
		for _, b := range r.Distribution {
			fmt.Fprintf(w, "    %-6s %d\n", b.Label, b.Count)
		}
		if r.Checked > 0 {
			fmt.Fprintf(w, "  words: mean %.1f, median %.1f, min %d, max %d\n",
				r.Words.Mean, r.Words.Median, r.Words.Min, r.Words.Max)
		}
		for _, v := range r.Violations {
			fmt.Fprintf(w, "    %s %s (%d): %s\n", render(warningStyle, "!"), v.ID, v.Measure, truncateRunes(v.Text, 80))
		}
	}
	if c := r.Consistency; c != nil {
		fmt.Fprintf(w, "  prompt consistency: %d full, %d partial, %d mismatch\n", c.Full, c.Partial, c.Mismatch)
		for _, id := range c.Mismatches {
			fmt.Fprintf(w, "    %s %s\n", render(warningStyle, "!"), id)
		}
	}
	fmt.Fprintln(w)
}

// --- clean ---

var cleanCmd = &cobra.Command{
	Use:   "clean <task>",
	Short: "Normalize captions of a task in place",
	Long: `Strip stray quotes, blanks, markup and leftover prompt text from every
valid caption of a task. Captions that continue their prompt are joined
back onto it. Failure markers and empty rows are left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			spec, err := a.ws.Task(args[0])
			if err != nil {
				return err
			}
			n, err := a.ws.Clean(spec)
			if err != nil {
				return err
			}
			printSuccess("%s: %d captions cleaned", spec.Name, n)
			return nil
		})
	},
}

// --- archive ---

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Bundle every task output into a zip",
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, _ := cmd.Flags().GetString("output")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if dest == "" {
				dest = a.cfg.Archive.Path
			}
			res, err := a.ws.Archive(dest)
			if err != nil {
				return err
			}
			for _, name := range res.Missing {
				printWarning("%s not found, skipped", name)
			}
			printSuccess("Wrote %s (%d files)", res.Path, len(res.Added))
			return nil
		})
	},
}

func init() {
	archiveCmd.Flags().StringP("output", "o", "", "archive path (default: archive.path)")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <task> [row-id]",
	Short: "Show journaled runs of a task, or every attempt for one row",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			spec, err := a.ws.Task(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			if len(args) == 2 {
				attempts, err := a.store.RowHistory(spec.Name, args[1])
				if err != nil {
					return err
				}
				if len(attempts) == 0 {
					fmt.Fprintln(w, "No attempts recorded.")
					return nil
				}
				rows := make([][]string, 0, len(attempts))
				for _, at := range attempts {
					text, status := at.Text, render(successStyle, "ok")
					if !at.OK() {
						text, status = at.Message, render(errorStyle, at.Reason)
					}
					rows = append(rows, []string{
						at.CreatedAt.Local().Format("2006-01-02 15:04:05"),
						shortID(at.RunID),
						status,
						truncateRunes(text, 60),
					})
				}
				printTable(w, []string{"Time", "Run", "Status", "Text"}, rows)
				return nil
			}

			runs, err := a.store.ListRuns(spec.Name, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(w, "No runs recorded.")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					shortID(r.ID),
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.Mode,
					r.Status,
					fmt.Sprintf("%d/%d", r.Pending, r.Required),
					strconv.Itoa(r.Succeeded),
					strconv.Itoa(r.Failed),
				})
			}
			printTable(w, []string{"Run", "Started", "Mode", "Status", "Pending", "OK", "Failed"}, rows)

			if latest := runs[0]; latest.Failed > 0 {
				counts, err := a.store.ReasonCounts(latest.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "Failures in run %s: %s\n", shortID(latest.ID), formatCounts(counts))
			}
			return nil
		})
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of runs to list")
}

func formatCounts(counts map[string]int) string {
	reasons := make([]string, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = fmt.Sprintf("%s %d", r, counts[r])
	}
	return strings.Join(parts, ", ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List known tasks and their progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		asYAML, _ := cmd.Flags().GetBool("yaml")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()
			m := a.ws.Manifest()
			if asYAML {
				data, err := m.Marshal()
				if err != nil {
					return err
				}
				_, err = w.Write(data)
				return err
			}

			rows := make([][]string, 0, len(m.Tasks))
			for _, spec := range m.Tasks {
				progress := "no input"
				if st, err := a.ws.Status(spec); err == nil {
					progress = fmt.Sprintf("%d/%d valid, %d failed", st.Counts.Valid, st.Required, st.Counts.Failed)
				} else if !errors.Is(err, os.ErrNotExist) {
					progress = "error: " + err.Error()
				}
				rows = append(rows, []string{spec.Name, string(spec.Kind), spec.Input, spec.Template, progress})
			}
			printTable(w, []string{"Task", "Kind", "Input", "Template", "Progress"}, rows)
			return nil
		})
	},
}

func init() {
	tasksCmd.Flags().Bool("yaml", false, "print the task manifest as YAML")
}

// --- doctor ---

type modelLister interface {
	ListModels(ctx context.Context) ([]llm.Model, error)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, inputs, templates and the generation service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			problems := 0

			printStep("Configuration")
			printStatus("Provider", "%s", a.cfg.Generation.Provider)
			printStatus("Model", "%s", a.cfg.Generation.Model)
			printStatus("Journal", "%s", a.cfg.Storage.DataDir)
			if err := a.cfg.CheckGeneration(); err != nil {
				printError("%v", err)
				problems++
			} else {
				printSuccess("API key present")
			}

			printStep("Tasks")
			for _, spec := range a.ws.Manifest().Tasks {
				rows, err := a.ws.Rows(spec)
				if err != nil {
					printError("%s: %v", spec.Name, err)
					problems++
					continue
				}
				if _, err := a.ws.Templates().Load(spec.Template); err != nil {
					printError("%s: %v", spec.Name, err)
					problems++
					continue
				}
				printSuccess("%s: %d rows, template %s", spec.Name, len(rows), spec.Template)
			}

			if lister, ok := a.svc.(modelLister); ok {
				printStep("Generation service")
				models, err := lister.ListModels(ctx)
				if err != nil {
					printError("listing models: %v", err)
					problems++
				} else if !hasModel(models, a.cfg.Generation.Model) {
					printWarning("model %s not offered (%d models available)", a.cfg.Generation.Model, len(models))
				} else {
					printSuccess("model %s available", a.cfg.Generation.Model)
				}
			}

			if problems > 0 {
				return fmt.Errorf("%w: %d", errDoctorFailed, problems)
			}
			return nil
		})
	},
}

func hasModel(models []llm.Model, id string) bool {
	for _, m := range models {
		if m.ID == id {
			return true
		}
	}
	return false
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %s = %s %s\n", render(labelStyle, k.Key), k.Value, render(mutedStyle, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value.\n\nValid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
