//go:build darwin

package config

import (
	"context"
	"fmt"
	"os/exec"
)

// readSecret looks up a generic password in the login Keychain.
func readSecret(service, account string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), secretLookupTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx,
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
	if err != nil {
		return nil, fmt.Errorf("keychain lookup %s/%s: %w", service, account, err)
	}
	return out, nil
}
