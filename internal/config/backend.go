package config

import (
	"strings"
	"time"
)

// ConfigBackend is where non-secret settings persist between runs:
// UserDefaults on macOS, a JSON file elsewhere.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// keychain reads secrets that are not set in the environment.
type keychain interface {
	Get(service, account string) (string, error)
}

const secretLookupTimeout = 5 * time.Second

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := readSecret(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
