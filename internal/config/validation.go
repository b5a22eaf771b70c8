package config

import (
	"fmt"
	"regexp"
	"strings"
)

// BackendNamePattern constrains backend identifiers: letter-led, then
// alphanumerics, underscores or hyphens, at most 64 characters total. The URI
// separator "://" stays parseable because identifiers cannot contain "/" or
// ":" and cannot start with a digit. The pattern alone still admits "__" and
// a trailing underscore; BackendConfig.Validate rejects both so the name
// separator "__" stays parseable too.
var BackendNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// EnvVarNamePattern constrains environment variable names passed to stdio
// backends.
var EnvVarNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// MaxEnvValueLength bounds environment values passed to stdio backends.
const MaxEnvValueLength = 10000

// Validate checks the full configuration. Defaults must be applied first.
func (c *GatewayConfig) Validate() error {
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port %d out of range", c.Gateway.Port)
	}
	seen := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		if err := b.Validate(); err != nil {
			return fmt.Errorf("backend %q: %w", b.Name, err)
		}
		if seen[b.Name] {
			return fmt.Errorf("backend %q: duplicate name", b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

// Validate checks a single backend definition.
func (b *BackendConfig) Validate() error {
	if !BackendNamePattern.MatchString(b.Name) {
		return fmt.Errorf("invalid name (want %s)", BackendNamePattern)
	}
	if strings.Contains(b.Name, "__") {
		return fmt.Errorf("name must not contain the reserved separator \"__\"")
	}
	if strings.HasSuffix(b.Name, "_") {
		return fmt.Errorf("name must not end with an underscore")
	}
	switch b.Transport {
	case TransportStdio:
		if b.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
		for name, value := range b.Env {
			if !EnvVarNamePattern.MatchString(name) {
				return fmt.Errorf("invalid environment variable name %q", name)
			}
			if len(value) > MaxEnvValueLength {
				return fmt.Errorf("environment variable %s exceeds %d characters", name, MaxEnvValueLength)
			}
		}
	case TransportSSE:
		if b.URL == "" {
			return fmt.Errorf("sse transport requires a url")
		}
		if b.Auth != nil {
			if b.Auth.TokenURL == "" || b.Auth.ClientID == "" {
				return fmt.Errorf("auth requires tokenUrl and clientId")
			}
		}
	default:
		return fmt.Errorf("unknown transport %q", b.Transport)
	}
	if b.Timeout < MinRequestTimeout || b.Timeout > MaxRequestTimeout {
		return fmt.Errorf("timeout %s out of range [%s, %s]", b.Timeout, MinRequestTimeout, MaxRequestTimeout)
	}
	if b.MaxRetries < 0 || b.MaxRetries > MaxMaxRetries {
		return fmt.Errorf("maxRetries %d out of range [0, %d]", b.MaxRetries, MaxMaxRetries)
	}
	return nil
}
