package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/mwahaha/internal/api"
	"github.com/kalambet/mwahaha/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the explorer API (foreground)",
	Long: `Serve the explorer HTTP API on localhost. Sessions select a task and a
row, edit a template draft, try it on that row and save it. Template
files are reloaded when they change on disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if port == 0 {
				port = a.cfg.Server.Port
			}
			return runServer(ctx, a, fmt.Sprintf("127.0.0.1:%d", port))
		})
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (default: server.port)")
}

func runServer(ctx context.Context, a *app, addr string) error {
	// Refuse to start twice on the same port.
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		return fmt.Errorf("server already running on %s", addr)
	}

	if a.cfg.Server.Token == "" {
		printWarning("No server token configured; the explorer API is unauthenticated")
	}

	go func() {
		if err := a.ws.Templates().Watch(ctx); err != nil {
			slog.Warn("template watcher stopped", "error", err)
		}
	}()

	handler := api.NewExplorerHandler(api.ExplorerDeps{
		Workspace: a.ws,
		Sessions:  session.NewManager(a.ws, a.media),
		Token:     a.cfg.Server.Token,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(stderr, "mwahaha %s listening on %s\n", version, addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			mcpSrv := api.NewMCPServer(api.MCPDeps{
				Workspace: a.ws,
				History:   a.store,
				Media:     a.media,
			})
			slog.Info("MCP server started (stdio transport)")
			stdioSrv := server.NewStdioServer(mcpSrv)
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		})
	},
}
