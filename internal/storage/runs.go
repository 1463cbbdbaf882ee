package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/mwahaha/internal/result"
)

const timeLayout = time.RFC3339Nano

// StartRun journals the beginning of a batch run and returns it with a
// fresh id.
func (s *Store) StartRun(r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	r.Status = StatusRunning
	_, err := s.db.Exec(`
		INSERT INTO runs (id, task, mode, template, model, status, required, pending, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Task, r.Mode, r.Template, r.Model, r.Status, r.Required, r.Pending,
		r.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return Run{}, fmt.Errorf("inserting run: %w", err)
	}
	return r, nil
}

// RecordOutcome journals the terminal outcome of one row.
func (s *Store) RecordOutcome(runID, task string, o result.Outcome) error {
	_, err := s.db.Exec(`
		INSERT INTO attempts (run_id, task, row_id, reason, text, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, task, o.ID, string(o.Reason), o.Text, o.Message,
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting attempt for %s: %w", o.ID, err)
	}
	return nil
}

// FinishRun records the final status and counters of a run.
func (s *Store) FinishRun(id, status string, succeeded, failed int, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, succeeded = ?, failed = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		status, succeeded, failed, errMsg, time.Now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, task, mode, template, model, status, required, pending, succeeded, failed, error, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (Run, error) {
	var (
		r          Run
		startedAt  string
		finishedAt sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Task, &r.Mode, &r.Template, &r.Model, &r.Status,
		&r.Required, &r.Pending, &r.Succeeded, &r.Failed, &r.Error, &startedAt, &finishedAt); err != nil {
		return Run{}, err
	}
	t, err := time.Parse(timeLayout, startedAt)
	if err != nil {
		return Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	r.StartedAt = t
	if finishedAt.Valid && finishedAt.String != "" {
		if r.FinishedAt, err = time.Parse(timeLayout, finishedAt.String); err != nil {
			return Run{}, fmt.Errorf("parsing finished_at: %w", err)
		}
	}
	return r, nil
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(id string) (Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	return r, nil
}

// ListRuns returns the most recent runs first. An empty task lists runs
// of every task.
func (s *Store) ListRuns(task string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if task != "" {
		query += ` WHERE task = ?`
		args = append(args, task)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RowHistory returns every journaled attempt for one row, oldest first.
func (s *Store) RowHistory(task, rowID string) ([]Attempt, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, task, row_id, reason, text, message, created_at
		FROM attempts WHERE task = ? AND row_id = ? ORDER BY id ASC`, task, rowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var createdAt string
		if err := rows.Scan(&a.ID, &a.RunID, &a.Task, &a.RowID, &a.Reason, &a.Text, &a.Message, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		a.CreatedAt = t
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReasonCounts tallies the failure reasons journaled for a run.
func (s *Store) ReasonCounts(runID string) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT reason, COUNT(*) FROM attempts
		WHERE run_id = ? AND reason != '' GROUP BY reason`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		counts[reason] = n
	}
	return counts, rows.Err()
}
