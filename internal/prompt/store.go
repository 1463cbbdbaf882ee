package prompt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/mwahaha/internal/fsutil"
)

var (
	// ErrTemplateNotFound is returned for a template id with no file.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrInvalidTemplate is returned for template text that does not parse
	// or an id that is not a plain file name.
	ErrInvalidTemplate = errors.New("invalid template")
)

// Templates use text/template syntax. The row's input is available both as
// {{ user_input }} and as {{ .UserInput }}.
type templateData struct {
	UserInput string
}

func baseFuncs() template.FuncMap {
	return template.FuncMap{"user_input": func() string { return "" }}
}

// Store loads, renders and saves instruction templates from a directory.
// Parsed templates are cached until the file changes.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*template.Template
}

// NewStore creates a Store over dir.
func NewStore(dir string) *Store {
	return &Store{
		dir:    dir,
		logger: slog.Default(),
		cache:  make(map[string]*template.Template),
	}
}

// Dir returns the template directory.
func (s *Store) Dir() string {
	return s.dir
}

// Render renders the stored template id with input.
func (s *Store) Render(id, input string) (string, error) {
	tmpl, err := s.parsed(id)
	if err != nil {
		return "", err
	}
	return execute(tmpl, input)
}

// RenderText renders raw template text that has not been saved.
func (s *Store) RenderText(raw, input string) (string, error) {
	tmpl, err := parse("inline", raw)
	if err != nil {
		return "", err
	}
	return execute(tmpl, input)
}

// Load returns the raw text of template id.
func (s *Store) Load(id string) (string, error) {
	path, err := s.path(id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
		}
		return "", fmt.Errorf("reading template %s: %w", id, err)
	}
	return string(data), nil
}

// Save validates and writes template id. Content that does not parse is
// rejected and the file is left untouched.
func (s *Store) Save(id, content string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if _, err := parse(id, content); err != nil {
		return err
	}
	if err := fsutil.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("saving template %s: %w", id, err)
	}
	s.Invalidate(id)
	return nil
}

// List returns the template ids present in the directory.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Invalidate drops the cached parse of id.
func (s *Store) Invalidate(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

// Watch invalidates cached templates when their files change on disk.
// It blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("watching %s: %w", s.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				id := filepath.Base(ev.Name)
				s.Invalidate(id)
				s.logger.Debug("template changed", "template", id, "op", ev.Op.String())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("template watcher error", "error", err)
		}
	}
}

func (s *Store) parsed(id string) (*template.Template, error) {
	s.mu.RLock()
	tmpl, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	raw, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	tmpl, err = parse(id, raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[id] = tmpl
	s.mu.Unlock()
	return tmpl, nil
}

func (s *Store) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: bad id %q", ErrInvalidTemplate, id)
	}
	return filepath.Join(s.dir, id), nil
}

func parse(name, raw string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(baseFuncs()).Option("missingkey=error").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTemplate, name, err)
	}
	return tmpl, nil
}

func execute(tmpl *template.Template, input string) (string, error) {
	t, err := tmpl.Clone()
	if err != nil {
		return "", fmt.Errorf("cloning template: %w", err)
	}
	t.Funcs(template.FuncMap{"user_input": func() string { return input }})

	var sb strings.Builder
	if err := t.Execute(&sb, templateData{UserInput: input}); err != nil {
		return "", fmt.Errorf("rendering template %s: %w", tmpl.Name(), err)
	}
	return sb.String(), nil
}
