package task

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind selects how a row is turned into a request.
type Kind string

const (
	// KindHeadline rows carry a word pair and/or a news headline.
	KindHeadline Kind = "headline"
	// KindGIF rows carry only a media reference.
	KindGIF Kind = "gif"
	// KindGIFPrompt rows carry a media reference and a fill-in prompt.
	KindGIFPrompt Kind = "gif_prompt"
)

// MediaRequired reports whether rows of this kind cannot be generated
// without their media attachment.
func (k Kind) MediaRequired() bool {
	return k == KindGIF || k == KindGIFPrompt
}

// Row is one unit of work.
type Row struct {
	ID     string
	Fields map[string]string
}

// Field returns the named field, or "" when absent.
func (r Row) Field(name string) string {
	return r.Fields[name]
}

// Spec describes one task: where its rows live, which template renders
// them, and how they are formatted.
type Spec struct {
	Name     string `yaml:"name" json:"name"`
	Kind     Kind   `yaml:"kind" json:"kind"`
	Input    string `yaml:"input" json:"input"`
	Template string `yaml:"template" json:"template"`
}

// Output is the file name of the task's result set.
func (s Spec) Output() string {
	return s.Input
}

// ErrUnknownTask is returned when a task name is not in the manifest.
var ErrUnknownTask = errors.New("unknown task")

// Manifest is the ordered list of known tasks.
type Manifest struct {
	Tasks []Spec `yaml:"tasks"`
}

// DefaultManifest returns the built-in task list.
func DefaultManifest() Manifest {
	return Manifest{Tasks: []Spec{
		{Name: "task-a-en", Kind: KindHeadline, Input: "task-a-en.tsv", Template: "task_a_en.j2"},
		{Name: "task-a-es", Kind: KindHeadline, Input: "task-a-es.tsv", Template: "task_a_es.j2"},
		{Name: "task-a-zh", Kind: KindHeadline, Input: "task-a-zh.tsv", Template: "task_a_zh.j2"},
		{Name: "task-b1", Kind: KindGIF, Input: "task-b1.tsv", Template: "task_b1.j2"},
		{Name: "task-b2", Kind: KindGIFPrompt, Input: "task-b2.tsv", Template: "task_b2.j2"},
	}}
}

// LoadManifest reads a YAML manifest. An empty path yields the built-in one.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

func (m Manifest) validate() error {
	if len(m.Tasks) == 0 {
		return errors.New("no tasks defined")
	}
	seen := make(map[string]bool, len(m.Tasks))
	for i, t := range m.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task %d: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("task %q defined twice", t.Name)
		}
		seen[t.Name] = true
		if t.Input == "" || t.Template == "" {
			return fmt.Errorf("task %q: input and template are required", t.Name)
		}
		switch t.Kind {
		case KindHeadline, KindGIF, KindGIFPrompt:
		default:
			return fmt.Errorf("task %q: unknown kind %q", t.Name, t.Kind)
		}
	}
	return nil
}

// Lookup returns the task with the given name.
func (m Manifest) Lookup(name string) (Spec, error) {
	for _, t := range m.Tasks {
		if t.Name == name {
			return t, nil
		}
	}
	return Spec{}, fmt.Errorf("%w: %q", ErrUnknownTask, name)
}

// Select resolves names in order; no names selects every task.
func (m Manifest) Select(names []string) ([]Spec, error) {
	if len(names) == 0 {
		return m.Tasks, nil
	}
	out := make([]Spec, 0, len(names))
	for _, n := range names {
		t, err := m.Lookup(n)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Names lists task names in manifest order.
func (m Manifest) Names() []string {
	names := make([]string, len(m.Tasks))
	for i, t := range m.Tasks {
		names[i] = t.Name
	}
	return names
}

// Marshal renders the manifest as YAML, e.g. for `mwahaha tasks --yaml`.
func (m Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}
