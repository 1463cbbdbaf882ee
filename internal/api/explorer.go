package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/mwahaha/internal/lock"
	"github.com/kalambet/mwahaha/internal/prompt"
	"github.com/kalambet/mwahaha/internal/result"
	"github.com/kalambet/mwahaha/internal/session"
	"github.com/kalambet/mwahaha/internal/task"
	"github.com/kalambet/mwahaha/internal/tsv"
	"github.com/kalambet/mwahaha/internal/workspace"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ExplorerDeps holds what the explorer API needs.
type ExplorerDeps struct {
	Workspace *workspace.Workspace
	Sessions  *session.Manager
	// Token enables bearer auth on everything but /health when set.
	Token string
}

// NewExplorerHandler returns the HTTP API used to explore templates
// against individual rows and to kick off runs.
func NewExplorerHandler(deps ExplorerDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Get("/tasks", handleListTasks(deps))
		r.Get("/tasks/{task}/rows", handleListRows(deps))

		r.Post("/sessions", handleCreateSession(deps))
		r.Get("/sessions/{id}", handleGetSession(deps))
		r.Delete("/sessions/{id}", handleDeleteSession(deps))
		r.Put("/sessions/{id}/selection", handleSelect(deps))
		r.Put("/sessions/{id}/template", handleSetTemplate(deps))
		r.Post("/sessions/{id}/test", handleTest(deps))
		r.Post("/sessions/{id}/template/save", handleSaveTemplate(deps))
		r.Post("/sessions/{id}/run", handleRun(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type taskStatus struct {
	task.Spec
	Required int `json:"required"`
	Valid    int `json:"valid"`
	Failed   int `json:"failed"`
	Empty    int `json:"empty"`
}

func handleListTasks(deps ExplorerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		specs := deps.Workspace.Manifest().Tasks
		out := make([]taskStatus, 0, len(specs))
		for _, spec := range specs {
			ts := taskStatus{Spec: spec}
			// A task whose input is missing is still listed.
			if st, err := deps.Workspace.Status(spec); err == nil {
				ts.Required = st.Required
				ts.Valid, ts.Failed, ts.Empty = st.Counts.Valid, st.Counts.Failed, st.Counts.Empty
			}
			out = append(out, ts)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type rowView struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
	Text   string            `json:"text"`
	Valid  bool              `json:"valid"`
}

func handleListRows(deps ExplorerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec, err := deps.Workspace.Task(chi.URLParam(r, "task"))
		if err != nil {
			writeError(w, err)
			return
		}
		rows, err := deps.Workspace.Rows(spec)
		if err != nil {
			writeError(w, err)
			return
		}
		existing, err := deps.Workspace.Results(spec)
		if err != nil {
			writeError(w, err)
			return
		}
		set, _ := result.Reconcile(tsv.IDs(rows), existing, nil)

		out := make([]rowView, len(rows))
		for i, row := range rows {
			out[i] = rowView{ID: row.ID, Fields: row.Fields, Text: set[i].Text, Valid: set[i].Valid()}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type createSessionRequest struct {
	Task string `json:"task"`
}

func handleCreateSession(deps ExplorerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Task == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "task is required")
			return
		}
		s, err := deps.Sessions.Create(req.Task)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, s)
	}
}

func handleGetSession(deps ExplorerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Sessions.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func handleDeleteSession(deps ExplorerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Sessions.Delete(chi.URLParam(r, "id"))
		w.WriteHeader(http.StatusNoContent)
	}
}

type selectionRequest struct {
	Task string `json:"task"`
	Row  string `json:"row"`
}

func handleSelect(deps ExplorerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req selectionRequest
		if !decode(w, r, &req) {
			return
		}
		s, err := deps.Sessions.Select(chi.URLParam(r, "id"), req.Task, req.Row)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

type templateRequest struct {
	Template string `json:"template"`
}

func handleSetTemplate(deps ExplorerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req templateRequest
		if !decode(w, r, &req) {
			return
		}
		s, err := deps.Sessions.SetTemplate(chi.URLParam(r, "id"), req.Template)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func handleTest(deps ExplorerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Sessions.Test(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func handleSaveTemplate(deps ExplorerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Sessions.SaveTemplate(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

type runRequest struct {
	Limit      int      `json:"limit"`
	Only       []string `json:"only"`
	Corrective bool     `json:"corrective"`
}

type runResponse struct {
	Session session.Session `json:"session"`
	Valid   int             `json:"valid"`
	Failed  int             `json:"failed"`
	Empty   int             `json:"empty"`
	Pending []string        `json:"pending"`
}

func handleRun(deps ExplorerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if r.ContentLength != 0 && !decode(w, r, &req) {
			return
		}
		s, st, err := deps.Sessions.Run(r.Context(), chi.URLParam(r, "id"), workspace.RunOptions{
			Limit:      req.Limit,
			Only:       req.Only,
			Corrective: req.Corrective,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runResponse{
			Session: s,
			Valid:   st.Counts.Valid,
			Failed:  st.Counts.Failed,
			Empty:   st.Counts.Empty,
			Pending: st.Pending,
		})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, task.ErrUnknownTask),
		errors.Is(err, prompt.ErrTemplateNotFound), errors.Is(err, workspace.ErrRowNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, session.ErrNoSelection), errors.Is(err, lock.ErrLocked):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, prompt.ErrInvalidTemplate):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
