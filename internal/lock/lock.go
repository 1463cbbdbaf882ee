package lock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/mwahaha/internal/fsutil"
)

const ownerFile = "owner.json"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("output is locked")

// Lock is a held single-writer lock on one task output.
type Lock struct {
	dir string
}

// Owner identifies the process holding a lock.
type Owner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// Acquire takes the lock <dir>/.<name>.lock. The lock is a directory, so
// creation is atomic on every platform we care about.
func Acquire(dir, name string) (*Lock, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("lock name is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock parent %s: %w", dir, err)
	}

	lockDir := filepath.Join(dir, "."+name+".lock")
	if err := os.Mkdir(lockDir, 0o755); err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		owner, stale := staleOwner(lockDir)
		if !stale {
			if owner.PID > 0 {
				return nil, fmt.Errorf("%w: %s (pid=%d created_at=%s host=%s)",
					ErrLocked, name, owner.PID, owner.CreatedAt, owner.Hostname)
			}
			return nil, fmt.Errorf("%w: %s", ErrLocked, name)
		}
		slog.Warn("removing stale lock", "lock", name, "pid", owner.PID, "created_at", owner.CreatedAt)
		if err := os.RemoveAll(lockDir); err != nil {
			return nil, fmt.Errorf("remove stale lock %s: %w", name, err)
		}
		if err := os.Mkdir(lockDir, 0o755); err != nil {
			if os.IsExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrLocked, name)
			}
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
	}

	owner := Owner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	if err := fsutil.WriteJSON(filepath.Join(lockDir, ownerFile), owner); err != nil {
		_ = os.RemoveAll(lockDir)
		return nil, fmt.Errorf("write lock owner for %s: %w", name, err)
	}
	return &Lock{dir: lockDir}, nil
}

// Release drops the lock. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.dir == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.dir, ownerFile))
	if err := os.Remove(l.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.dir, err)
	}
	l.dir = ""
	return nil
}

// staleOwner reads the lock owner and reports whether it is a dead process
// on this host. Locks without owner metadata, or held from another host,
// are never considered stale.
func staleOwner(lockDir string) (Owner, bool) {
	var owner Owner
	if err := fsutil.ReadJSON(filepath.Join(lockDir, ownerFile), &owner); err != nil || owner.PID <= 0 {
		return owner, false
	}
	if owner.Hostname != hostnameOrUnknown() {
		return owner, false
	}
	return owner, !processAlive(owner.PID)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "unknown"
	}
	return strings.TrimSpace(host)
}
