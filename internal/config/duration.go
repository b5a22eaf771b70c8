package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// duration decodes YAML durations given either as Go duration strings
// ("30s", "5m") or as a bare number of seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

func (g *GatewaySettings) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Host                string   `yaml:"host"`
		Port                int      `yaml:"port"`
		SessionTimeout      duration `yaml:"sessionTimeout"`
		HealthCheckInterval duration `yaml:"healthCheckInterval"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	g.Host = r.Host
	g.Port = r.Port
	g.SessionTimeout = time.Duration(r.SessionTimeout)
	g.HealthCheckInterval = time.Duration(r.HealthCheckInterval)
	return nil
}

func (b *BackendConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Name       string            `yaml:"name"`
		Transport  TransportKind     `yaml:"transport"`
		Command    string            `yaml:"command"`
		Args       []string          `yaml:"args"`
		Env        map[string]string `yaml:"env"`
		URL        string            `yaml:"url"`
		Auth       *TokenConfig      `yaml:"auth"`
		Enabled    *bool             `yaml:"enabled"`
		LazyStart  bool              `yaml:"lazyStart"`
		Timeout    duration          `yaml:"timeout"`
		MaxRetries int               `yaml:"maxRetries"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	*b = BackendConfig{
		Name:       r.Name,
		Transport:  r.Transport,
		Command:    r.Command,
		Args:       r.Args,
		Env:        r.Env,
		URL:        r.URL,
		Auth:       r.Auth,
		Enabled:    r.Enabled,
		LazyStart:  r.LazyStart,
		Timeout:    time.Duration(r.Timeout),
		MaxRetries: r.MaxRetries,
	}
	return nil
}

func (t *TokenConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		TokenURL      string   `yaml:"tokenUrl"`
		ClientID      string   `yaml:"clientId"`
		ClientSecret  string   `yaml:"clientSecret"`
		Scopes        []string `yaml:"scopes"`
		RefreshBefore duration `yaml:"refreshBefore"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	*t = TokenConfig{
		TokenURL:      r.TokenURL,
		ClientID:      r.ClientID,
		ClientSecret:  r.ClientSecret,
		Scopes:        r.Scopes,
		RefreshBefore: time.Duration(r.RefreshBefore),
	}
	return nil
}
