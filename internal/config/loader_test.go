package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
gateway:
  port: 9090
  sessionTimeout: 5m
backends:
  - name: fs
    transport: stdio
    command: /usr/local/bin/mcp-fs
    args: ["--root", "/srv"]
    env:
      FS_MODE: readonly
  - name: remote
    transport: sse
    url: https://mcp.example.com/sse
    lazyStart: true
    timeout: 30s
`

func TestParseSampleConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Gateway.Port)
	assert.Equal(t, DefaultHost, cfg.Gateway.Host)
	assert.Equal(t, 5*time.Minute, cfg.Gateway.SessionTimeout)
	assert.Equal(t, DefaultHealthCheckInterval, cfg.Gateway.HealthCheckInterval)

	require.Len(t, cfg.Backends, 2)
	fs := cfg.Backends[0]
	assert.Equal(t, TransportStdio, fs.Transport)
	assert.Equal(t, DefaultRequestTimeout, fs.Timeout)
	assert.Equal(t, DefaultMaxRetries, fs.MaxRetries)
	assert.True(t, fs.IsEnabled())

	remote := cfg.Backends[1]
	assert.Equal(t, TransportSSE, remote.Transport)
	assert.True(t, remote.LazyStart)
	assert.Equal(t, 30*time.Second, remote.Timeout)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Backends, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("MCP_TOKEN", "s3cret")
	t.Setenv("MCP_BIN", "/opt/mcp")

	cfg, err := Parse([]byte(`
backends:
  - name: fs
    transport: stdio
    command: ${MCP_BIN}/server
    env:
      API_TOKEN: ${MCP_TOKEN}
`))
	require.NoError(t, err)
	assert.Equal(t, "/opt/mcp/server", cfg.Backends[0].Command)
	assert.Equal(t, "s3cret", cfg.Backends[0].Env["API_TOKEN"])
}

func TestValidateBackendNames(t *testing.T) {
	valid := []string{"fs", "a", "Server-1", "k8s_tools", "a" + strings.Repeat("b", 63)}
	for _, name := range valid {
		b := BackendConfig{Name: name, Transport: TransportStdio, Command: "x", Timeout: DefaultRequestTimeout, MaxRetries: 1}
		assert.NoError(t, b.Validate(), "name %q", name)
	}

	invalid := []string{"", "1fs", "_fs", "-fs", "fs__x", "fs_", "fs server", "fs:x", "fs/x",
		"a" + strings.Repeat("b", 64)}
	for _, name := range invalid {
		b := BackendConfig{Name: name, Transport: TransportStdio, Command: "x", Timeout: DefaultRequestTimeout, MaxRetries: 1}
		assert.Error(t, b.Validate(), "name %q", name)
	}
}

func TestValidateRejectsDuplicates(t *testing.T) {
	_, err := Parse([]byte(`
backends:
  - name: fs
    transport: stdio
    command: a
  - name: fs
    transport: stdio
    command: b
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateTransportRequirements(t *testing.T) {
	b := BackendConfig{Name: "a", Transport: TransportStdio, Timeout: DefaultRequestTimeout, MaxRetries: 1}
	assert.Error(t, b.Validate(), "stdio without command")

	b = BackendConfig{Name: "a", Transport: TransportSSE, Timeout: DefaultRequestTimeout, MaxRetries: 1}
	assert.Error(t, b.Validate(), "sse without url")

	b = BackendConfig{Name: "a", Transport: "carrier-pigeon", Timeout: DefaultRequestTimeout, MaxRetries: 1}
	assert.Error(t, b.Validate(), "unknown transport")
}

func TestValidateEnvVars(t *testing.T) {
	b := BackendConfig{
		Name: "a", Transport: TransportStdio, Command: "x",
		Env:     map[string]string{"BAD-NAME": "v"},
		Timeout: DefaultRequestTimeout, MaxRetries: 1,
	}
	assert.Error(t, b.Validate())

	big := make([]byte, MaxEnvValueLength+1)
	for i := range big {
		big[i] = 'v'
	}
	b.Env = map[string]string{"GOOD_NAME": string(big)}
	assert.Error(t, b.Validate())
}

func TestValidateTimeoutBounds(t *testing.T) {
	b := BackendConfig{Name: "a", Transport: TransportStdio, Command: "x", Timeout: 500 * time.Millisecond, MaxRetries: 1}
	assert.Error(t, b.Validate())

	b.Timeout = 301 * time.Second
	assert.Error(t, b.Validate())

	b.Timeout = 60 * time.Second
	assert.NoError(t, b.Validate())
}

func TestDurationForms(t *testing.T) {
	// A bare number is read as seconds.
	cfg, err := Parse([]byte(`
backends:
  - name: a
    transport: stdio
    command: x
    timeout: 45
`))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Backends[0].Timeout)

	_, err = Parse([]byte(`
backends:
  - name: a
    transport: stdio
    command: x
    timeout: soon
`))
	assert.Error(t, err)
}
