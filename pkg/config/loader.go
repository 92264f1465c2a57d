package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Common errors for configuration loading.
var (
	ErrFileNotFound     = errors.New("configuration file not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidYAML      = errors.New("invalid YAML syntax")
	ErrEmptyFile        = errors.New("configuration file is empty")
)

// Environment variables that override file values.
const (
	EnvPort     = "SCRIPTBRIDGE_PORT"
	EnvLogLevel = "SCRIPTBRIDGE_LOG_LEVEL"
	EnvConfig   = "SCRIPTBRIDGE_CONFIG"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LoadFromFile reads a YAML configuration file on top of Default, applies
// environment overrides, and validates the result.
func LoadFromFile(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Load returns the configuration at path, or at $SCRIPTBRIDGE_CONFIG when
// path is empty, or the defaults when neither is set. Overrides and
// validation apply in every case.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		return LoadFromFile(path)
	}
	cfg := Default()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML data on top of Default, then applies environment
// overrides and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := ExpandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SCRIPTBRIDGE_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvPort); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// ExpandEnvVars expands environment variables in the input string.
// Supports ${VAR_NAME} and ${VAR_NAME:-default} syntax.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		if val := os.Getenv(submatch[1]); val != "" {
			return val
		}
		if len(submatch) >= 3 {
			return submatch[2]
		}
		return ""
	})
}
