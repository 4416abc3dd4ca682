package session

import (
	"fmt"
	"os"
	"strings"
)

// LoadToken reads the bearer token for a session. The credentials file holds
// the raw token, optionally followed by a trailing newline.
func LoadToken(name string) (string, error) {
	data, err := os.ReadFile(CredentialsPath(name))
	if err != nil {
		return "", fmt.Errorf("read credentials: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("credentials file for session %q is empty", name)
	}
	return token, nil
}

// SaveToken writes the bearer token for a session with 0600 permissions.
func SaveToken(name, token string) error {
	if err := EnsureDir(name); err != nil {
		return err
	}
	return os.WriteFile(CredentialsPath(name), []byte(token+"\n"), 0600)
}
