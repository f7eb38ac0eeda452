package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables read on top of the YAML file.
const (
	EnvBaseURL       = "DIFY_API_BASE"
	EnvTimeout       = "DIFY_TIMEOUT"
	EnvStreamTimeout = "DIFY_STREAM_TIMEOUT"
	EnvFallbackUser  = "DIFY_FALLBACK_USER"
	EnvPort          = "PORT"
	EnvLogLevel      = "LOG_LEVEL"
	EnvLogFormat     = "LOG_FORMAT"
	EnvMetrics       = "METRICS_ENABLED"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadEnvFile loads variables from a dotenv file without overriding ones
// already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment. Empty values are ignored.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	if v, ok := get(EnvBaseURL); ok {
		c.Backend.BaseURL = v
	}
	if v, ok := get(EnvFallbackUser); ok {
		c.Backend.FallbackUser = v
	}
	if v, ok := get(EnvTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		c.Backend.Timeout = d
	}
	if v, ok := get(EnvStreamTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvStreamTimeout, err)
		}
		c.Backend.StreamTimeout = d
	}
	if v, ok := get(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	if v, ok := get(EnvLogLevel); ok {
		c.Logging.Level = v
	}
	if v, ok := get(EnvLogFormat); ok {
		c.Logging.Format = v
	}
	if v, ok := get(EnvMetrics); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMetrics, err)
		}
		c.Metrics.Enabled = enabled
	}
	return nil
}
