package task

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadManifest_Default(t *testing.T) {
	m, err := LoadManifest("")
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	want := []string{"task-a-en", "task-a-es", "task-a-zh", "task-b1", "task-b2"}
	if diff := cmp.Diff(want, m.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadManifest_YAML(t *testing.T) {
	path := writeManifest(t, `
tasks:
  - name: puns
    kind: headline
    input: puns.tsv
    template: puns.j2
  - name: memes
    kind: gif
    input: memes.tsv
    template: memes.j2
`)
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	want := []Spec{
		{Name: "puns", Kind: KindHeadline, Input: "puns.tsv", Template: "puns.j2"},
		{Name: "memes", Kind: KindGIF, Input: "memes.tsv", Template: "memes.j2"},
	}
	if diff := cmp.Diff(want, m.Tasks); diff != "" {
		t.Errorf("tasks mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadManifest_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty":        "tasks: []\n",
		"unknown kind": "tasks:\n  - {name: a, kind: video, input: a.tsv, template: a.j2}\n",
		"duplicate":    "tasks:\n  - {name: a, kind: gif, input: a.tsv, template: a.j2}\n  - {name: a, kind: gif, input: b.tsv, template: b.j2}\n",
		"no template":  "tasks:\n  - {name: a, kind: gif, input: a.tsv}\n",
		"bad yaml":     "tasks: [",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadManifest(writeManifest(t, content)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestSelect(t *testing.T) {
	m := DefaultManifest()

	all, err := m.Select(nil)
	if err != nil || len(all) != 5 {
		t.Fatalf("Select(nil) = %d tasks, %v", len(all), err)
	}

	some, err := m.Select([]string{"task-b2", "task-a-en"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if some[0].Kind != KindGIFPrompt || some[1].Kind != KindHeadline {
		t.Errorf("Select order not preserved: %+v", some)
	}

	_, err = m.Select([]string{"task-c"})
	if !errors.Is(err, ErrUnknownTask) {
		t.Errorf("err = %v, want ErrUnknownTask", err)
	}
}

func TestMediaRequired(t *testing.T) {
	if KindHeadline.MediaRequired() {
		t.Error("headline requires media")
	}
	if !KindGIF.MediaRequired() || !KindGIFPrompt.MediaRequired() {
		t.Error("gif kinds should require media")
	}
}

func TestManifestMarshal(t *testing.T) {
	out, err := DefaultManifest().Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), "template: task_b2.j2") {
		t.Errorf("yaml missing task-b2 template:\n%s", out)
	}
}
