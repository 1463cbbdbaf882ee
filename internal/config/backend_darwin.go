//go:build darwin

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultsDomain  = "com.mwahaha.app"
	defaultsTimeout = 5 * time.Second
)

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "mwahaha")
	}
	return "mwahaha-data"
}

func apiKeyHint(account string) string {
	return " or macOS Keychain (service: " + keychainService + ", account: " + account + ")"
}

// darwinBackend keeps settings in UserDefaults through the defaults CLI.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

// defaults runs the defaults tool against the backend's domain. A missing
// key makes defaults exit with status 1, reported as found == false.
func (b *darwinBackend) defaults(verb, key string, extra ...string) (out string, found bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultsTimeout)
	defer cancel()

	args := append([]string{verb, b.domain, key}, extra...)
	raw, err := exec.CommandContext(ctx, "defaults", args...).CombinedOutput()
	out = strings.TrimSpace(string(raw))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults %s %s: %w (%s)", verb, key, err, out)
	}
	return out, true, nil
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	return b.defaults("read", key)
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.defaults("read", key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	_, _, err := b.defaults("write", key, "-string", val)
	return err
}

func (b *darwinBackend) SetInt(key string, val int) error {
	_, _, err := b.defaults("write", key, "-int", strconv.Itoa(val))
	return err
}

// Delete removes key. Deleting a key that was never set is not an error.
func (b *darwinBackend) Delete(key string) error {
	_, _, err := b.defaults("delete", key)
	return err
}
