package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "[REDACTED]"

// Secret holds a credential. It never prints its value; call Reveal where
// the credential is handed to a client library.
type Secret string

// ReadSecret reads a credential file and trims surrounding whitespace.
func ReadSecret(path string) (Secret, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return Secret(s), nil
}

// Reveal returns the credential.
func (s Secret) Reveal() string { return string(s) }

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

// MarshalYAML keeps credentials out of rendered configuration.
func (s Secret) MarshalYAML() (interface{}, error) { return redacted, nil }

// Render returns the effective configuration as YAML with every secret
// redacted.
func Render(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: render: %w", err)
	}
	return out, nil
}
