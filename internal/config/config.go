package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dify-bridge/internal/models"
)

const (
	DefaultPort          = 8000
	DefaultBaseURL       = "https://api.dify.ai/v1"
	DefaultTimeout       = 30 * time.Second
	DefaultStreamTimeout = 5 * time.Minute
	DefaultFallbackUser  = "openai-proxy-user"
	DefaultModelID       = "dify-app"
	DefaultModelOwner    = "dify"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Models  []ModelConfig `yaml:"models"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// BackendConfig describes how to reach the Dify API. The credential is
// never configured here: each caller's bearer token is forwarded.
type BackendConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	StreamTimeout time.Duration `yaml:"stream_timeout"`
	FallbackUser  string        `yaml:"fallback_user"`
	Headers       Headers       `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with a backend request.
type Headers map[string]string

// ModelConfig describes a model id advertised on /v1/models.
type ModelConfig struct {
	ID      string `yaml:"id"`
	OwnedBy string `yaml:"owned_by"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: DefaultPort},
		Backend: BackendConfig{
			BaseURL:       DefaultBaseURL,
			Timeout:       DefaultTimeout,
			StreamTimeout: DefaultStreamTimeout,
			FallbackUser:  DefaultFallbackUser,
		},
		Models: []ModelConfig{{ID: DefaultModelID, OwnedBy: DefaultModelOwner}},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// process environment, in that order, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ModelList returns the advertised models.
func (c Config) ModelList() []models.Model {
	out := make([]models.Model, 0, len(c.Models))
	for _, m := range c.Models {
		out = append(out, models.Model{ID: m.ID, OwnedBy: m.OwnedBy})
	}
	return out
}

// DefaultModel is echoed back when a request omits the model field.
func (c Config) DefaultModel() string {
	if len(c.Models) == 0 {
		return DefaultModelID
	}
	return c.Models[0].ID
}

func (c *Config) normalise() {
	c.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	c.Backend.FallbackUser = strings.TrimSpace(c.Backend.FallbackUser)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	for i := range c.Models {
		c.Models[i].ID = strings.TrimSpace(c.Models[i].ID)
		if c.Models[i].OwnedBy == "" {
			c.Models[i].OwnedBy = DefaultModelOwner
		}
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if err := validateBaseURL(c.Backend.BaseURL); err != nil {
		return err
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive, got %s", c.Backend.Timeout)
	}
	if c.Backend.StreamTimeout <= 0 {
		return fmt.Errorf("backend.stream_timeout must be positive, got %s", c.Backend.StreamTimeout)
	}
	if c.Backend.FallbackUser == "" {
		return errors.New("backend.fallback_user must not be empty")
	}
	for headerKey := range c.Backend.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("backend: header %q is not a valid canonical HTTP header", headerKey)
		}
		if strings.EqualFold(headerKey, "Authorization") {
			return errors.New("backend: the Authorization header is forwarded from callers and cannot be configured")
		}
	}

	if len(c.Models) == 0 {
		return errors.New("at least one model must be configured")
	}
	for _, model := range c.Models {
		if model.ID == "" {
			return errors.New("model id must not be empty")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return errors.New("backend.base_url must be provided")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("backend.base_url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend.base_url %q must be an absolute http(s) URL", raw)
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
