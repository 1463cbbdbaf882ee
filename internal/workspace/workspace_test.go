package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/mwahaha/internal/lock"
	"github.com/kalambet/mwahaha/internal/prompt"
	"github.com/kalambet/mwahaha/internal/result"
	"github.com/kalambet/mwahaha/internal/task"
	"github.com/kalambet/mwahaha/internal/tsv"
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
	return m.generateFn(ctx, id, req)
}

func echoGenerator() *mockGenerator {
	return &mockGenerator{generateFn: func(_ context.Context, id string, req prompt.Request) result.Outcome {
		return result.Success(id, "joke for "+id)
	}}
}

var headline = task.Spec{Name: "task-a-en", Kind: task.KindHeadline, Input: "task-a-en.tsv", Template: "task_a_en.j2"}

type fixture struct {
	ws   *Workspace
	gen  *mockGenerator
	data string
	out  string
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

func newFixture(t *testing.T, input string) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		gen:  echoGenerator(),
		data: filepath.Join(root, "data"),
		out:  filepath.Join(root, "output"),
	}
	tmplDir := filepath.Join(root, "templates")
	writeFile(t, filepath.Join(f.data, headline.Input), input)
	writeFile(t, filepath.Join(tmplDir, headline.Template), "Write a joke. {{ user_input }}")

	f.ws = New(Options{
		DataDir:   f.data,
		OutputDir: f.out,
		Manifest:  task.Manifest{Tasks: []task.Spec{headline}},
		Templates: prompt.NewStore(tmplDir),
		Generator: f.gen,
	})
	return f
}

const threeRows = "id\tword1\tword2\theadline\nx1\t-\t-\tone\nx2\t-\t-\ttwo\nx3\t-\t-\tthree\n"

func (f *fixture) output(t *testing.T) result.Set {
	t.Helper()
	set, err := tsv.ReadRecords(f.ws.OutputPath(headline))
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	return set
}

func TestRunWritesOutput(t *testing.T) {
	f := newFixture(t, threeRows)

	sum, err := f.ws.Run(context.Background(), headline, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Succeeded != 3 {
		t.Errorf("Succeeded = %d, want 3", sum.Succeeded)
	}
	want := result.Set{{ID: "x1", Text: "joke for x1"}, {ID: "x2", Text: "joke for x2"}, {ID: "x3", Text: "joke for x3"}}
	if diff := cmp.Diff(want, f.output(t)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(f.out, ".task-a-en.lock")); !os.IsNotExist(err) {
		t.Error("lock left behind after run")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t, threeRows)
	if _, err := f.ws.Run(context.Background(), headline, RunOptions{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	before, _ := os.ReadFile(f.ws.OutputPath(headline))
	f.gen.calls = nil

	if _, err := f.ws.Run(context.Background(), headline, RunOptions{}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	after, _ := os.ReadFile(f.ws.OutputPath(headline))
	if len(f.gen.calls) != 0 {
		t.Errorf("second run generated %v", f.gen.calls)
	}
	if string(before) != string(after) {
		t.Errorf("second run changed output:\n%s\n---\n%s", before, after)
	}
}

func TestRunOnlyRegeneratesFailed(t *testing.T) {
	f := newFixture(t, threeRows)
	writeFile(t, f.ws.OutputPath(headline), "id\ttext\nx1\tkeep me\nx2\tERROR: max_retries_exceeded\nx3\talso kept\n")

	if _, err := f.ws.Run(context.Background(), headline, RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"x2"}, f.gen.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	got := f.output(t)
	if got[0].Text != "keep me" || got[1].Text != "joke for x2" || got[2].Text != "also kept" {
		t.Errorf("output = %v", got)
	}
}

func TestRunLimit(t *testing.T) {
	f := newFixture(t, threeRows)
	writeFile(t, f.ws.OutputPath(headline), "id\ttext\nx3\tlater row\n")

	if _, err := f.ws.Run(context.Background(), headline, RunOptions{Limit: 1}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"x1"}, f.gen.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	want := result.Set{{ID: "x1", Text: "joke for x1"}, {ID: "x2", Text: ""}, {ID: "x3", Text: "later row"}}
	if diff := cmp.Diff(want, f.output(t)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestRunLimitAndOnlyDisjoint(t *testing.T) {
	f := newFixture(t, threeRows)
	if _, err := f.ws.Run(context.Background(), headline, RunOptions{Limit: 1, Only: []string{"x3"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.gen.calls) != 0 {
		t.Errorf("calls = %v, want none", f.gen.calls)
	}
}

func TestRunLocked(t *testing.T) {
	f := newFixture(t, threeRows)
	l, err := lock.Acquire(f.out, headline.Name)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	_, err = f.ws.Run(context.Background(), headline, RunOptions{})
	if !errors.Is(err, lock.ErrLocked) {
		t.Errorf("err = %v, want ErrLocked", err)
	}
	if len(f.gen.calls) != 0 {
		t.Error("generated while locked")
	}
}

func TestRunMissingTemplateIsFatal(t *testing.T) {
	f := newFixture(t, threeRows)
	spec := headline
	spec.Template = "nope.j2"
	_, err := f.ws.Run(context.Background(), spec, RunOptions{})
	if !errors.Is(err, prompt.ErrTemplateNotFound) {
		t.Errorf("err = %v, want ErrTemplateNotFound", err)
	}
}

func TestRunQuarantinesCorruptOutput(t *testing.T) {
	f := newFixture(t, threeRows)
	writeFile(t, f.ws.OutputPath(headline), "just some words\nwithout the expected header\n")

	if _, err := f.ws.Run(context.Background(), headline, RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.gen.calls) != 3 {
		t.Errorf("calls = %v, want all three rows", f.gen.calls)
	}
	matches, _ := filepath.Glob(f.ws.OutputPath(headline) + ".corrupt-*")
	if len(matches) != 1 {
		t.Errorf("backups = %v, want one", matches)
	}
}

func TestFinalize(t *testing.T) {
	f := newFixture(t, threeRows)
	writeFile(t, f.ws.OutputPath(headline),
		"id\ttext\nx9\torphan\nx2\tB\nx1\tA\nx1\tA again\nx3\tERROR: permanent: x\n")

	set, rep, err := f.ws.Finalize(headline)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	want := result.Set{{ID: "x1", Text: "A"}, {ID: "x2", Text: "B"}, {ID: "x3", Text: "ERROR: permanent: x"}}
	if diff := cmp.Diff(want, set); diff != "" {
		t.Errorf("set mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, f.output(t)); diff != "" {
		t.Errorf("file mismatch (-want +got):\n%s", diff)
	}
	if len(rep.Diagnostics) != 2 || len(rep.Unresolved) != 1 {
		t.Errorf("report = %+v", rep)
	}
	if len(f.gen.calls) != 0 {
		t.Error("finalize called the generator")
	}
}

func TestFinalizeWithoutOutput(t *testing.T) {
	f := newFixture(t, threeRows)
	_, _, err := f.ws.Finalize(headline)
	if !errors.Is(err, ErrNoOutput) {
		t.Errorf("err = %v, want ErrNoOutput", err)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, threeRows)
	writeFile(t, f.ws.OutputPath(headline), "id\ttext\nx1\tA\nx2\tERROR: permanent\n")

	st, err := f.ws.Status(headline)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Required != 3 || st.Counts.Valid != 1 || st.Counts.Failed != 1 || st.Counts.Empty != 1 {
		t.Errorf("status = %+v", st)
	}
	if diff := cmp.Diff([]string{"x2", "x3"}, st.Pending); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
}

func TestVerify(t *testing.T) {
	f := newFixture(t, threeRows)

	checks, err := f.ws.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(checks) != 1 || !checks[0].Missing || checks[0].OK() {
		t.Errorf("checks before run = %+v", checks)
	}

	writeFile(t, f.ws.OutputPath(headline), "id\ttext\nx2\tB\nx1\tA\nx3\tC\n")
	checks, _ = f.ws.Verify(context.Background())
	if checks[0].OK() || checks[0].OrderOK {
		t.Errorf("out-of-order output verified: %+v", checks[0])
	}

	if _, err := f.ws.Run(context.Background(), headline, RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	checks, _ = f.ws.Verify(context.Background())
	if !checks[0].OK() {
		t.Errorf("check after run = %+v", checks[0])
	}
}

func TestClean(t *testing.T) {
	f := newFixture(t, "id\tprompt\turl\nb1\tWhen the ______ hits\thttp://x/1.gif\nb2\tMe at ______\thttp://x/2.gif\n")
	spec := task.Spec{Name: "task-a-en", Kind: task.KindGIFPrompt, Input: headline.Input, Template: headline.Template}
	writeFile(t, f.ws.OutputPath(spec), "id\ttext\nb1\t...and it keeps hitting\nb2\tERROR: missing_media\n")

	n, err := f.ws.Clean(spec)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if n != 1 {
		t.Errorf("changed = %d, want 1", n)
	}
	want := result.Set{{ID: "b1", Text: "When the hits and it keeps hitting"}, {ID: "b2", Text: "ERROR: missing_media"}}
	if diff := cmp.Diff(want, f.output(t)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanKeepsCaptionThatWouldBeEmptied(t *testing.T) {
	f := newFixture(t, threeRows)
	writeFile(t, f.ws.OutputPath(headline), "id\ttext\nx1\t**\nx2\t\"[]\"\n")

	n, err := f.ws.Clean(headline)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if n != 0 {
		t.Errorf("changed = %d, want 0", n)
	}
	for _, rec := range f.output(t) {
		if !rec.Valid() {
			t.Errorf("record %s became %q", rec.ID, rec.Text)
		}
	}
}

func TestArchive(t *testing.T) {
	f := newFixture(t, threeRows)
	dest := filepath.Join(t.TempDir(), "submission.zip")

	if _, err := f.ws.Run(context.Background(), headline, RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	res, err := f.ws.Archive(dest)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if diff := cmp.Diff([]string{"task-a-en.tsv"}, res.Added); diff != "" {
		t.Errorf("added mismatch (-want +got):\n%s", diff)
	}
}

func TestTry(t *testing.T) {
	f := newFixture(t, threeRows)
	row, err := f.ws.FindRow(headline, "x2")
	if err != nil {
		t.Fatalf("FindRow: %v", err)
	}

	trial, err := f.ws.Try(context.Background(), headline, row, TrialOptions{})
	if err != nil {
		t.Fatalf("Try: %v", err)
	}
	if trial.Rendered != "Write a joke. Headline: 'two'" {
		t.Errorf("Rendered = %q", trial.Rendered)
	}
	if !trial.Outcome.OK() {
		t.Errorf("outcome = %+v", trial.Outcome)
	}

	trial, err = f.ws.Try(context.Background(), headline, row, TrialOptions{Template: "Draft: {{ .UserInput }}"})
	if err != nil {
		t.Fatalf("Try with draft: %v", err)
	}
	if !strings.HasPrefix(trial.Rendered, "Draft: Headline") {
		t.Errorf("Rendered = %q", trial.Rendered)
	}
	if _, err := os.Stat(f.ws.OutputPath(headline)); !os.IsNotExist(err) {
		t.Error("Try wrote the task output")
	}

	if _, err := f.ws.FindRow(headline, "zz"); err == nil {
		t.Error("FindRow(zz): expected error")
	}
}
