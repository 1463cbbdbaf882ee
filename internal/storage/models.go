package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run statuses.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

// Run is one batch pass over a task.
type Run struct {
	ID         string
	Task       string
	Mode       string // "plain" or "corrective"
	Template   string
	Model      string
	Status     string
	Required   int
	Pending    int
	Succeeded  int
	Failed     int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
}

// Attempt is the terminal outcome journaled for one row within a run.
type Attempt struct {
	ID        int64
	RunID     string
	Task      string
	RowID     string
	Reason    string // empty on success
	Text      string
	Message   string
	CreatedAt time.Time
}

// OK reports whether the attempt produced text.
func (a Attempt) OK() bool {
	return a.Reason == ""
}
