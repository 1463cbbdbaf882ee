//go:build !darwin

package config

import (
	"fmt"
	"path/filepath"

	"github.com/kalambet/mwahaha/internal/fsutil"
)

func secretsFilePath() string {
	dir, ok := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if !ok {
		dir = "."
	}
	return filepath.Join(dir, "mwahaha", "secrets.json")
}

// readSecret reads a secret from secrets.json, laid out as
// {"<service>": {"<account>": "<value>"}}.
func readSecret(service, account string) ([]byte, error) {
	var secrets map[string]map[string]string
	if err := fsutil.ReadJSON(secretsFilePath(), &secrets); err != nil {
		return nil, fmt.Errorf("secret store not available: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("secret %s/%s not found", service, account)
	}
	return []byte(val), nil
}
