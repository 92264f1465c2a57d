package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/scriptbridge/pkg/logging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.False(t, cfg.Server.KeepAlive)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, "scriptbridge.yaml", `
server:
  port: "127.0.0.1:9090"
  keepAlive: true
log:
  level: debug
  format: json
client:
  timeout: 5s
routes:
  - method: GET
    path: /hello/*
    status: 201
    headers:
      X-Test: "1"
    body: '"hello " + path'
    delay: 20ms
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Port)
	assert.True(t, cfg.Server.KeepAlive)
	assert.Equal(t, int64(10*1024*1024), cfg.Server.MaxBodySize, "unset fields keep defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Client.Timeout)
	assert.Equal(t, "scriptbridge", cfg.Client.UserAgent)

	require.Len(t, cfg.Routes, 1)
	r := cfg.Routes[0]
	assert.Equal(t, "GET", r.Method)
	assert.Equal(t, "/hello/*", r.Path)
	assert.Equal(t, 201, r.Status)
	assert.Equal(t, map[string]string{"X-Test": "1"}, r.Headers)
	assert.Equal(t, `"hello " + path`, r.Body)
	assert.Equal(t, 20*time.Millisecond, r.Delay)

	lc := cfg.LoggingConfig()
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = LoadFromFile(writeFile(t, "empty.yaml", "  \n"))
	assert.ErrorIs(t, err, ErrEmptyFile)

	_, err = LoadFromFile(writeFile(t, "bad.yaml", "server: [unclosed"))
	assert.ErrorIs(t, err, ErrInvalidYAML)

	_, err = LoadFromFile(t.TempDir())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = "http" }},
		{"port out of range", func(c *Config) { c.Server.Port = "localhost:70000" }},
		{"bad metrics port", func(c *Config) { c.Server.MetricsPort = "metrics" }},
		{"negative body size", func(c *Config) { c.Server.MaxBodySize = -1 }},
		{"negative timeout", func(c *Config) { c.Server.ShutdownTimeout = -time.Second }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"negative client timeout", func(c *Config) { c.Client.Timeout = -1 }},
		{"negative recording limit", func(c *Config) { c.Recording.Limit = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestValidate_RouteWithoutPath(t *testing.T) {
	_, err := Parse([]byte("routes:\n  - method: GET\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvPort, "9999")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Parse([]byte("server:\n  port: \"8081\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_FromEnvPath(t *testing.T) {
	path := writeFile(t, "env.yaml", "server:\n  port: \"7070\"\n")
	t.Setenv(EnvConfig, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvConfig, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SB_TEST_HOST", "example.test")

	tests := []struct {
		in   string
		want string
	}{
		{"${SB_TEST_HOST}", "example.test"},
		{"http://${SB_TEST_HOST}/x", "http://example.test/x"},
		{"${SB_TEST_UNSET:-fallback}", "fallback"},
		{"${SB_TEST_UNSET}", ""},
		{"$SB_TEST_HOST", "$SB_TEST_HOST"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandEnvVars(tt.in))
		})
	}
}
