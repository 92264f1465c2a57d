package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/getmockd/scriptbridge/pkg/logging"
	"github.com/getmockd/scriptbridge/pkg/script"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validLogFormats = map[string]bool{
	string(logging.FormatText): true,
	string(logging.FormatJSON): true,
}

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Client    ClientConfig    `yaml:"client"`
	Recording RecordingConfig `yaml:"recording"`
	Routes    []script.Route  `yaml:"routes"`
}

// ServerConfig configures the embedded HTTP server.
type ServerConfig struct {
	// Port is "8080" or "host:8080".
	Port        string        `yaml:"port"`
	KeepAlive   bool          `yaml:"keepAlive"`
	MaxBodySize int64         `yaml:"maxBodySize"`
	ReadTimeout time.Duration `yaml:"readHeaderTimeout"`

	// ShutdownTimeout bounds how long serve waits for connections to drain.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// MetricsPort exposes /metrics on a separate listener. Empty disables it.
	MetricsPort string `yaml:"metricsPort,omitempty"`
}

// LogConfig configures operational logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// ClientConfig configures outbound replies made by fetch.
type ClientConfig struct {
	UserAgent string        `yaml:"userAgent"`
	Timeout   time.Duration `yaml:"timeout"`
	Capture   bool          `yaml:"capture"`
}

// RecordingConfig configures the finished-reply store.
type RecordingConfig struct {
	Limit int    `yaml:"limit"`
	File  string `yaml:"file,omitempty"`
}

// LoggingConfig converts the log section for logging.Open.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.Log.Level)
	cfg.Format = logging.ParseFormat(c.Log.Format)
	cfg.File = c.Log.File
	return cfg
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			MaxBodySize:     10 * 1024 * 1024,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Client: ClientConfig{
			UserAgent: "scriptbridge",
			Timeout:   30 * time.Second,
			Capture:   true,
		},
		Recording: RecordingConfig{
			Limit: 1000,
		},
	}
}

// Validate checks field ranges. Route expressions are compiled by
// script.NewRouter, not here.
func (c *Config) Validate() error {
	var errs []error

	if err := validatePort("server.port", c.Server.Port); err != nil {
		errs = append(errs, err)
	}
	if c.Server.MetricsPort != "" {
		if err := validatePort("server.metricsPort", c.Server.MetricsPort); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Server.MaxBodySize < 0 {
		errs = append(errs, fmt.Errorf("server.maxBodySize must not be negative"))
	}
	if c.Server.ReadTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server timeouts must not be negative"))
	}
	if c.Log.Level != "" && !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Log.Format != "" && !validLogFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	if c.Client.Timeout < 0 {
		errs = append(errs, fmt.Errorf("client.timeout must not be negative"))
	}
	if c.Recording.Limit < 0 {
		errs = append(errs, fmt.Errorf("recording.limit must not be negative"))
	}
	for i, r := range c.Routes {
		if strings.TrimSpace(r.Path) == "" {
			errs = append(errs, fmt.Errorf("routes[%d].path is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func validatePort(field, spec string) error {
	port := spec
	if i := strings.LastIndex(spec, ":"); i >= 0 {
		port = spec[i+1:]
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%s %q is not a valid port", field, spec)
	}
	return nil
}
