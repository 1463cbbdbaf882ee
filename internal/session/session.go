// Package session keeps the state of interactive template exploration:
// which task and row are selected, the template draft being edited, and
// the last trial.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/mwahaha/internal/generate"
	"github.com/kalambet/mwahaha/internal/result"
	"github.com/kalambet/mwahaha/internal/workspace"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrNoSelection = errors.New("no row selected")
)

// Session is one explorer's view. Rendered and Result always belong to
// SelectedRow and Template as they were when the trial ran.
type Session struct {
	ID          string          `json:"id"`
	Task        string          `json:"task"`
	SelectedRow string          `json:"selected_row,omitempty"`
	Template    string          `json:"template"`
	Rendered    string          `json:"rendered,omitempty"`
	Result      *result.Outcome `json:"result,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Manager owns all sessions. It is safe for concurrent use; operations on
// one session are serialized.
type Manager struct {
	ws    *workspace.Workspace
	media *generate.MediaCache

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. media may be nil, in which case remote
// media is passed through by URL.
func NewManager(ws *workspace.Workspace, media *generate.MediaCache) *Manager {
	return &Manager{ws: ws, media: media, sessions: make(map[string]*Session)}
}

// Create starts a session on taskName with the task's saved template as
// the draft.
func (m *Manager) Create(taskName string) (Session, error) {
	s := &Session{ID: uuid.New().String()}
	if err := m.resetTask(s, taskName); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return *s, nil
}

// Get returns a snapshot of session id.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *s, nil
}

// Delete drops session id.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) update(id string, fn func(s *Session) error) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := *s
	if err := fn(&next); err != nil {
		return Session{}, err
	}
	next.UpdatedAt = time.Now().UTC()
	*s = next
	return next, nil
}

// Select changes the task and selected row. Switching task discards
// everything including the template draft; switching row discards the
// last trial.
func (m *Manager) Select(id, taskName, rowID string) (Session, error) {
	return m.update(id, func(s *Session) error {
		if taskName != "" && taskName != s.Task {
			if err := m.resetTask(s, taskName); err != nil {
				return err
			}
		}
		if rowID == s.SelectedRow {
			return nil
		}
		if rowID != "" {
			spec, err := m.ws.Task(s.Task)
			if err != nil {
				return err
			}
			if _, err := m.ws.FindRow(spec, rowID); err != nil {
				return err
			}
		}
		s.SelectedRow = rowID
		s.Rendered = ""
		s.Result = nil
		return nil
	})
}

// SetTemplate replaces the template draft. The last trial is kept since
// it records what was actually sent.
func (m *Manager) SetTemplate(id, content string) (Session, error) {
	return m.update(id, func(s *Session) error {
		s.Template = content
		return nil
	})
}

// Test renders the draft against the selected row and generates once.
// Nothing is written to the task output.
func (m *Manager) Test(ctx context.Context, id string) (Session, error) {
	snap, err := m.Get(id)
	if err != nil {
		return Session{}, err
	}
	if snap.SelectedRow == "" {
		return Session{}, ErrNoSelection
	}
	spec, err := m.ws.Task(snap.Task)
	if err != nil {
		return Session{}, err
	}
	row, err := m.ws.FindRow(spec, snap.SelectedRow)
	if err != nil {
		return Session{}, err
	}

	// Generation runs unlocked so other sessions are not blocked.
	trial, err := m.ws.Try(ctx, spec, row, workspace.TrialOptions{Template: snap.Template, Media: m.media})
	if err != nil {
		return Session{}, err
	}

	return m.update(id, func(s *Session) error {
		if s.Task != snap.Task || s.SelectedRow != snap.SelectedRow {
			// The selection moved while generating; the trial is stale.
			return nil
		}
		out := trial.Outcome
		s.Rendered = trial.Rendered
		s.Result = &out
		return nil
	})
}

// SaveTemplate writes the draft over the task's template file.
func (m *Manager) SaveTemplate(id string) (Session, error) {
	snap, err := m.Get(id)
	if err != nil {
		return Session{}, err
	}
	spec, err := m.ws.Task(snap.Task)
	if err != nil {
		return Session{}, err
	}
	if err := m.ws.Templates().Save(spec.Template, snap.Template); err != nil {
		return Session{}, err
	}
	return snap, nil
}

// Run starts a batch run over the session's task using the saved template.
func (m *Manager) Run(ctx context.Context, id string, opts workspace.RunOptions) (Session, workspace.Status, error) {
	snap, err := m.Get(id)
	if err != nil {
		return Session{}, workspace.Status{}, err
	}
	spec, err := m.ws.Task(snap.Task)
	if err != nil {
		return Session{}, workspace.Status{}, err
	}
	if _, err := m.ws.Run(ctx, spec, opts); err != nil {
		return Session{}, workspace.Status{}, err
	}
	st, err := m.ws.Status(spec)
	return snap, st, err
}

func (m *Manager) resetTask(s *Session, taskName string) error {
	spec, err := m.ws.Task(taskName)
	if err != nil {
		return err
	}
	draft, err := m.ws.Templates().Load(spec.Template)
	if err != nil {
		return err
	}
	s.Task = spec.Name
	s.Template = draft
	s.SelectedRow = ""
	s.Rendered = ""
	s.Result = nil
	return nil
}
