package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/mwahaha/internal/generate"
	"github.com/kalambet/mwahaha/internal/storage"
	"github.com/kalambet/mwahaha/internal/workspace"
)

// maxPendingListed caps the pending ids returned by task_status.
const maxPendingListed = 50

// History is the read side of the run journal.
type History interface {
	RowHistory(task, rowID string) ([]storage.Attempt, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Workspace *workspace.Workspace
	History   History              // optional; if nil, row_history returns an error
	Media     *generate.MediaCache // optional
}

// NewMCPServer creates an MCP server with all mwahaha tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"mwahaha",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("mwahaha: batch caption generation. Inspect task progress, row history, and try templates on single rows."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List the configured tasks with their kind, input file and template."),
		),
		mcpListTasks(deps),
	)

	s.AddTool(
		mcp.NewTool("task_status",
			mcp.WithDescription("Count valid, failed and missing outputs of a task and list the ids still pending."),
			mcp.WithString("task", mcp.Description("Task name, e.g. task-a-en"), mcp.Required()),
		),
		mcpTaskStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("row_history",
			mcp.WithDescription("Show every journaled generation outcome for one row."),
			mcp.WithString("task", mcp.Description("Task name"), mcp.Required()),
			mcp.WithString("row", mcp.Description("Row id"), mcp.Required()),
		),
		mcpRowHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("test_prompt",
			mcp.WithDescription("Render a row's instruction and generate once without touching the task output."),
			mcp.WithString("task", mcp.Description("Task name"), mcp.Required()),
			mcp.WithString("row", mcp.Description("Row id"), mcp.Required()),
			mcp.WithString("template", mcp.Description("Optional template text to use instead of the saved one")),
		),
		mcpTestPrompt(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"tasks://manifest",
			"Task Manifest",
			mcp.WithResourceDescription("The task manifest as YAML"),
			mcp.WithMIMEType("application/yaml"),
		),
		mcpResourceManifest(deps),
	)

	return s
}

func mcpListTasks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Workspace.Manifest().Tasks)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal tasks: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTaskStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("task")
		if err != nil {
			return mcpError("task is required"), nil
		}
		spec, err := deps.Workspace.Task(name)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		st, err := deps.Workspace.Status(spec)
		if err != nil {
			return mcpError(fmt.Sprintf("status failed: %v", err)), nil
		}

		type statusResult struct {
			Task        string   `json:"task"`
			Required    int      `json:"required"`
			Valid       int      `json:"valid"`
			Failed      int      `json:"failed"`
			Missing     int      `json:"missing"`
			PendingIDs  []string `json:"pending_ids"`
			PendingMore int      `json:"pending_more,omitempty"`
		}
		res := statusResult{
			Task:       spec.Name,
			Required:   st.Required,
			Valid:      st.Counts.Valid,
			Failed:     st.Counts.Failed,
			Missing:    st.Counts.Empty,
			PendingIDs: st.Pending,
		}
		if len(res.PendingIDs) > maxPendingListed {
			res.PendingMore = len(res.PendingIDs) - maxPendingListed
			res.PendingIDs = res.PendingIDs[:maxPendingListed]
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRowHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.History == nil {
			return mcpError("history not available: run journal is not open"), nil
		}
		name, err := req.RequireString("task")
		if err != nil {
			return mcpError("task is required"), nil
		}
		row, err := req.RequireString("row")
		if err != nil {
			return mcpError("row is required"), nil
		}

		attempts, err := deps.History.RowHistory(name, row)
		if err != nil {
			return mcpError(fmt.Sprintf("history failed: %v", err)), nil
		}
		if len(attempts) == 0 {
			return mcpText("[]"), nil
		}

		type attemptResult struct {
			RunID     string `json:"run_id"`
			CreatedAt string `json:"created_at"`
			Reason    string `json:"reason,omitempty"`
			Text      string `json:"text,omitempty"`
			Message   string `json:"message,omitempty"`
		}
		results := make([]attemptResult, len(attempts))
		for i, a := range attempts {
			results[i] = attemptResult{
				RunID:     a.RunID,
				CreatedAt: a.CreatedAt.Format(time.RFC3339),
				Reason:    a.Reason,
				Text:      truncate(a.Text, 200),
				Message:   a.Message,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTestPrompt(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("task")
		if err != nil {
			return mcpError("task is required"), nil
		}
		rowID, err := req.RequireString("row")
		if err != nil {
			return mcpError("row is required"), nil
		}
		spec, err := deps.Workspace.Task(name)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		row, err := deps.Workspace.FindRow(spec, rowID)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		trial, err := deps.Workspace.Try(ctx, spec, row, workspace.TrialOptions{
			Template: req.GetString("template", ""),
			Media:    deps.Media,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("render failed: %v", err)), nil
		}

		type trialResult struct {
			Rendered string `json:"rendered"`
			Text     string `json:"text,omitempty"`
			Reason   string `json:"reason,omitempty"`
			Message  string `json:"message,omitempty"`
		}
		b, err := json.Marshal(trialResult{
			Rendered: trial.Rendered,
			Text:     trial.Outcome.Text,
			Reason:   string(trial.Outcome.Reason),
			Message:  trial.Outcome.Message,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		if !trial.Outcome.OK() {
			res := mcpText(string(b))
			res.IsError = true
			return res, nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceManifest(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := deps.Workspace.Manifest().Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal manifest: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/yaml",
				Text:     string(b),
			},
		}, nil
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
