//go:build !windows

package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kalambet/mwahaha/internal/fsutil"
	"github.com/kalambet/mwahaha/internal/lock"
)

func TestRunResumesAfterCrashedRun(t *testing.T) {
	f := newFixture(t, threeRows)
	writeFile(t, f.ws.OutputPath(headline), "id\ttext\nx1\tjoke for x1\n")

	host, err := os.Hostname()
	if err != nil {
		t.Skipf("no hostname: %v", err)
	}
	lockDir := filepath.Join(f.out, ".task-a-en.lock")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		t.Fatal(err)
	}
	owner := lock.Owner{PID: 1 << 30, CreatedAt: "2020-01-01T00:00:00Z", Hostname: host}
	if err := fsutil.WriteJSON(filepath.Join(lockDir, "owner.json"), owner); err != nil {
		t.Fatal(err)
	}

	sum, err := f.ws.Run(context.Background(), headline, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", sum.Succeeded)
	}
	if got := len(f.output(t)); got != 3 {
		t.Errorf("output rows = %d, want 3", got)
	}
	if _, err := os.Stat(lockDir); !os.IsNotExist(err) {
		t.Error("lock left behind after run")
	}
}
