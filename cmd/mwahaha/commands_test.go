package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/mwahaha/internal/batch"
	"github.com/kalambet/mwahaha/internal/config"
	"github.com/kalambet/mwahaha/internal/generate"
	"github.com/kalambet/mwahaha/internal/prompt"
	"github.com/kalambet/mwahaha/internal/result"
	"github.com/kalambet/mwahaha/internal/storage"
	"github.com/kalambet/mwahaha/internal/task"
	"github.com/kalambet/mwahaha/internal/tsv"
	"github.com/kalambet/mwahaha/internal/workspace"
)

type mockGenerator struct {
	mu         sync.Mutex
	calls      []string
	generateFn func(ctx context.Context, id string, req prompt.Request) result.Outcome
}

func (m *mockGenerator) Generate(ctx context.Context, id string, req prompt.Request) result.Outcome {
	m.mu.Lock()
	m.calls = append(m.calls, id)
	m.mu.Unlock()
	if m.generateFn == nil {
		return result.Success(id, "joke for "+id)
	}
	return m.generateFn(ctx, id, req)
}

func (m *mockGenerator) reset() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := m.calls
	m.calls = nil
	return calls
}

var headline = task.Spec{Name: "task-a-en", Kind: task.KindHeadline, Input: "task-a-en.tsv", Template: "task_a_en.j2"}

const threeRows = "id\tword1\tword2\theadline\nx1\t-\t-\tone\nx2\t-\t-\ttwo\nx3\t-\t-\tthree\n"

type testEnv struct {
	cfg config.Config
	gen *mockGenerator
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newTestEnv points newApp at a temporary workspace with a fake generator.
// Every command gets a fresh app over the same directories.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		gen: &mockGenerator{},
		cfg: config.Config{
			Generation: config.GenerationConfig{Provider: "openai", Model: "test-model"},
			Paths: config.PathsConfig{
				DataDir:     filepath.Join(root, "data"),
				OutputDir:   filepath.Join(root, "output"),
				TemplateDir: filepath.Join(root, "templates"),
				CacheDir:    filepath.Join(root, "cache"),
			},
			Archive: config.ArchiveConfig{Path: filepath.Join(root, "submission.zip")},
			Storage: config.StorageConfig{DataDir: filepath.Join(root, "journal")},
		},
	}
	writeFile(t, filepath.Join(env.cfg.Paths.DataDir, headline.Input), threeRows)
	writeFile(t, filepath.Join(env.cfg.Paths.TemplateDir, headline.Template), "Write a joke. {{ user_input }}")

	old := newApp
	newApp = func(ctx context.Context) (*app, error) {
		store, err := storage.Open(env.cfg.Storage.DataDir)
		if err != nil {
			return nil, err
		}
		ws := workspace.New(workspace.Options{
			DataDir:   env.cfg.Paths.DataDir,
			OutputDir: env.cfg.Paths.OutputDir,
			Manifest:  task.Manifest{Tasks: []task.Spec{headline}},
			Templates: prompt.NewStore(env.cfg.Paths.TemplateDir),
			Generator: env.gen,
			Journal:   store,
			Pacing:    batch.Pacing{Plain: time.Millisecond, Corrective: time.Millisecond},
			Model:     env.cfg.Generation.Model,
		})
		return &app{cfg: env.cfg, ws: ws, store: store, media: generate.NewMediaCache(env.cfg.Paths.CacheDir)}, nil
	}
	t.Cleanup(func() { newApp = old })
	return env
}

func (env *testEnv) outputPath() string {
	return filepath.Join(env.cfg.Paths.OutputDir, headline.Output())
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the root command with args and returns what it wrote to
// stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	oldStderr, oldNoColor := stderr, noColor
	stderr, noColor = &errOut, true
	defer func() {
		stderr, noColor = oldStderr, oldNoColor
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		resetFlags(rootCmd)
	}()

	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append(args, "--no-color"))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestRunCommand(t *testing.T) {
	env := newTestEnv(t)

	_, errOut, err := execute(t, "run", "task-a-en")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(errOut, "task-a-en: 3 generated") {
		t.Errorf("stderr = %q, want run summary", errOut)
	}
	if !strings.Contains(errOut, "[3/3] x3 ok") {
		t.Errorf("stderr = %q, want per-row progress", errOut)
	}

	set, err := tsv.ReadRecords(env.outputPath())
	if err != nil {
		t.Fatal(err)
	}
	want := result.Set{{ID: "x1", Text: "joke for x1"}, {ID: "x2", Text: "joke for x2"}, {ID: "x3", Text: "joke for x3"}}
	if diff := cmp.Diff(want, set); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	env.gen.reset()
	_, errOut, err = execute(t, "run")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if calls := env.gen.reset(); len(calls) != 0 {
		t.Errorf("second run generated %v, want nothing", calls)
	}
	if !strings.Contains(errOut, "nothing to do") {
		t.Errorf("stderr = %q, want nothing to do", errOut)
	}
}

func TestRunCommand_LimitAndOnly(t *testing.T) {
	env := newTestEnv(t)

	if _, _, err := execute(t, "run", "--limit", "2"); err != nil {
		t.Fatalf("run --limit: %v", err)
	}
	if diff := cmp.Diff([]string{"x1", "x2"}, env.gen.reset()); diff != "" {
		t.Errorf("limit calls mismatch (-want +got):\n%s", diff)
	}

	if _, _, err := execute(t, "run", "--only", "x1, x3", "--corrective"); err != nil {
		t.Fatalf("run --only: %v", err)
	}
	if diff := cmp.Diff([]string{"x3"}, env.gen.reset()); diff != "" {
		t.Errorf("only calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCommand_FailuresAreMarked(t *testing.T) {
	env := newTestEnv(t)
	env.gen.generateFn = func(_ context.Context, id string, _ prompt.Request) result.Outcome {
		if id == "x2" {
			return result.Failure(id, result.ReasonPermanent, "bad request")
		}
		return result.Success(id, "joke for "+id)
	}

	_, errOut, err := execute(t, "run")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(errOut, "2 generated, 1 failed") {
		t.Errorf("stderr = %q, want failure count", errOut)
	}
	set, err := tsv.ReadRecords(env.outputPath())
	if err != nil {
		t.Fatal(err)
	}
	if rec, _ := set.Lookup("x2"); !result.IsFailureMarker(rec.Text) {
		t.Errorf("x2 = %q, want failure marker", rec.Text)
	}
}

func TestRunCommand_Errors(t *testing.T) {
	newTestEnv(t)

	if _, _, err := execute(t, "run", "task-z"); !errors.Is(err, task.ErrUnknownTask) {
		t.Errorf("unknown task: err = %v, want ErrUnknownTask", err)
	}
	if _, _, err := execute(t, "run", "--limit", "-1"); err == nil {
		t.Error("negative limit: expected error")
	}
}

func TestVerifyCommand(t *testing.T) {
	newTestEnv(t)

	out, _, err := execute(t, "verify")
	if !errors.Is(err, errVerifyFailed) {
		t.Fatalf("verify before run: err = %v, want errVerifyFailed", err)
	}
	if !strings.Contains(out, "MISSING") {
		t.Errorf("stdout = %q, want MISSING", out)
	}

	if _, _, err := execute(t, "run"); err != nil {
		t.Fatalf("run: %v", err)
	}
	out, _, err = execute(t, "verify")
	if err != nil {
		t.Fatalf("verify after run: %v", err)
	}
	if !strings.Contains(out, "OK") {
		t.Errorf("stdout = %q, want OK", out)
	}
}

func TestFinalizeCommand(t *testing.T) {
	env := newTestEnv(t)

	_, errOut, err := execute(t, "finalize")
	if err != nil {
		t.Fatalf("finalize without output: %v", err)
	}
	if !strings.Contains(errOut, "no output yet") {
		t.Errorf("stderr = %q, want no output warning", errOut)
	}

	existing := result.Set{{ID: "x3", Text: "three"}, {ID: "zz", Text: "orphan"}, {ID: "x1", Text: "one"}}
	if err := tsv.WriteRecords(env.outputPath(), existing); err != nil {
		t.Fatal(err)
	}
	_, errOut, err = execute(t, "finalize", "task-a-en")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !strings.Contains(errOut, "2 valid, 0 failed, 1 empty") {
		t.Errorf("stderr = %q, want counts", errOut)
	}
	if !strings.Contains(errOut, "1 rows still need output") {
		t.Errorf("stderr = %q, want unresolved warning", errOut)
	}

	set, err := tsv.ReadRecords(env.outputPath())
	if err != nil {
		t.Fatal(err)
	}
	want := result.Set{{ID: "x1", Text: "one"}, {ID: "x2", Text: ""}, {ID: "x3", Text: "three"}}
	if diff := cmp.Diff(want, set); diff != "" {
		t.Errorf("finalized output mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeCommand(t *testing.T) {
	newTestEnv(t)
	if _, _, err := execute(t, "run"); err != nil {
		t.Fatalf("run: %v", err)
	}

	out, _, err := execute(t, "analyze")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	for _, want := range []string{"task-a-en (headline)", "3 input, 3 output, 3 matched", "3/3 compliant"} {
		if !strings.Contains(out, want) {
			t.Errorf("stdout missing %q:\n%s", want, out)
		}
	}
}

func TestCleanCommand(t *testing.T) {
	env := newTestEnv(t)
	existing := result.Set{
		{ID: "x1", Text: `"Funny line"`},
		{ID: "x2", Text: result.Marker(result.ReasonPermanent, "bad")},
		{ID: "x3", Text: "fine"},
	}
	if err := tsv.WriteRecords(env.outputPath(), existing); err != nil {
		t.Fatal(err)
	}

	_, errOut, err := execute(t, "clean", "task-a-en")
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if !strings.Contains(errOut, "1 captions cleaned") {
		t.Errorf("stderr = %q, want clean count", errOut)
	}
	set, err := tsv.ReadRecords(env.outputPath())
	if err != nil {
		t.Fatal(err)
	}
	want := result.Set{existing[0], existing[1], existing[2]}
	want[0].Text = "Funny line"
	if diff := cmp.Diff(want, set); diff != "" {
		t.Errorf("cleaned output mismatch (-want +got):\n%s", diff)
	}

	if _, _, err := execute(t, "clean"); err == nil {
		t.Error("clean without task: expected error")
	}
}

func TestArchiveCommand(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := execute(t, "run"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, _, err := execute(t, "archive"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := os.Stat(env.cfg.Archive.Path); err != nil {
		t.Errorf("default archive not written: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "other.zip")
	_, errOut, err := execute(t, "archive", "-o", dest)
	if err != nil {
		t.Fatalf("archive -o: %v", err)
	}
	if !strings.Contains(errOut, "(1 files)") {
		t.Errorf("stderr = %q, want file count", errOut)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("archive not written to %s: %v", dest, err)
	}
}

func TestHistoryCommand(t *testing.T) {
	newTestEnv(t)

	out, _, err := execute(t, "history", "task-a-en")
	if err != nil {
		t.Fatalf("history before run: %v", err)
	}
	if !strings.Contains(out, "No runs recorded.") {
		t.Errorf("stdout = %q, want empty notice", out)
	}

	if _, _, err := execute(t, "run"); err != nil {
		t.Fatalf("run: %v", err)
	}

	out, _, err = execute(t, "history", "task-a-en")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, want := range []string{"plain", storage.StatusCompleted, "3/3"} {
		if !strings.Contains(out, want) {
			t.Errorf("runs table missing %q:\n%s", want, out)
		}
	}

	out, _, err = execute(t, "history", "task-a-en", "x2")
	if err != nil {
		t.Fatalf("row history: %v", err)
	}
	if !strings.Contains(out, "joke for x2") {
		t.Errorf("row history missing text:\n%s", out)
	}
}

func TestHistoryCommand_FailureBreakdown(t *testing.T) {
	env := newTestEnv(t)
	env.gen.generateFn = func(_ context.Context, id string, _ prompt.Request) result.Outcome {
		return result.Failure(id, result.ReasonMaxRetries, "429")
	}
	if _, _, err := execute(t, "run"); err != nil {
		t.Fatalf("run: %v", err)
	}

	out, _, err := execute(t, "history", "task-a-en")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "max_retries_exceeded 3") {
		t.Errorf("stdout missing failure breakdown:\n%s", out)
	}
}

func TestFormatCounts(t *testing.T) {
	got := formatCounts(map[string]int{"permanent": 1, "missing_media": 2})
	if want := "missing_media 2, permanent 1"; got != want {
		t.Errorf("formatCounts = %q, want %q", got, want)
	}
}

func TestTasksCommand(t *testing.T) {
	newTestEnv(t)

	out, _, err := execute(t, "tasks")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if !strings.Contains(out, "0/3 valid") {
		t.Errorf("stdout = %q, want progress", out)
	}

	out, _, err = execute(t, "tasks", "--yaml")
	if err != nil {
		t.Fatalf("tasks --yaml: %v", err)
	}
	if !strings.Contains(out, "name: task-a-en") || !strings.Contains(out, "template: task_a_en.j2") {
		t.Errorf("yaml output = %q", out)
	}
}

func TestDoctorCommand_MissingKey(t *testing.T) {
	newTestEnv(t)

	_, errOut, err := execute(t, "doctor")
	if !errors.Is(err, errDoctorFailed) {
		t.Fatalf("err = %v, want errDoctorFailed", err)
	}
	if !strings.Contains(errOut, "OPENAI_API_KEY") {
		t.Errorf("stderr = %q, want key hint", errOut)
	}
	if !strings.Contains(errOut, "task-a-en: 3 rows") {
		t.Errorf("stderr = %q, want task check", errOut)
	}
}

func TestRunServer_ShutsDownOnCancel(t *testing.T) {
	newTestEnv(t)
	a, err := newApp(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	var errOut bytes.Buffer
	oldStderr := stderr
	stderr = &errOut
	defer func() { stderr = oldStderr }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runServer(ctx, a, "127.0.0.1:0"); err != nil {
		t.Fatalf("runServer: %v", err)
	}
}

func TestParseIDs(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"a,b", []string{"a", "b"}},
		{" a , ,b ", []string{"a", "b"}},
		{"", []string{}},
	}
	for _, tt := range tests {
		got := parseIDs(tt.raw)
		if got == nil {
			t.Errorf("parseIDs(%q) = nil, want non-nil", tt.raw)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("parseIDs(%q) mismatch (-want +got):\n%s", tt.raw, diff)
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := render(successStyle, "test message"); got != "test message" {
		t.Errorf("render with noColor = %q, want plain text", got)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("héllo wörld", 5); got != "héll…" {
		t.Errorf("truncateRunes = %q", got)
	}
	if got := truncateRunes("short", 10); got != "short" {
		t.Errorf("truncateRunes = %q", got)
	}
}

func TestServiceBaseURL(t *testing.T) {
	cfg := config.Config{Generation: config.GenerationConfig{Provider: "gemini", BaseURL: "https://api.openai.com/v1"}}
	if got := serviceBaseURL(cfg); got != "" {
		t.Errorf("gemini with openai default = %q, want empty", got)
	}
	cfg.Generation.Provider = "openai"
	if got := serviceBaseURL(cfg); got != "https://api.openai.com/v1" {
		t.Errorf("openai = %q", got)
	}
}
