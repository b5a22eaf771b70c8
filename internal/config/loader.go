package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, expands, defaults and validates a gateway configuration file.
func Load(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes configuration from raw YAML.
func Parse(data []byte) (*GatewayConfig, error) {
	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.expandEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnv substitutes ${VAR} references in the string-valued backend
// settings. Unset variables expand to the empty string.
func (c *GatewayConfig) expandEnv() {
	for i := range c.Backends {
		b := &c.Backends[i]
		b.Command = os.ExpandEnv(b.Command)
		for j, arg := range b.Args {
			b.Args[j] = os.ExpandEnv(arg)
		}
		for name, value := range b.Env {
			b.Env[name] = os.ExpandEnv(value)
		}
		b.URL = os.ExpandEnv(b.URL)
		if b.Auth != nil {
			b.Auth.ClientID = os.ExpandEnv(b.Auth.ClientID)
			b.Auth.ClientSecret = os.ExpandEnv(b.Auth.ClientSecret)
		}
	}
}
