// Package config loads and validates the TOML configuration used by the
// h2fetch command.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// HTTP2Settings holds optional overrides for the settings the engine
// advertises in its initial SETTINGS frame. Nil fields keep the RFC 7540
// defaults.
type HTTP2Settings struct {
	HeaderTableSize      *uint32 `toml:"header_table_size,omitempty"`
	InitialWindowSize    *uint32 `toml:"initial_window_size,omitempty"`
	MaxFrameSize         *uint32 `toml:"max_frame_size,omitempty"`
	MaxConcurrentStreams *uint32 `toml:"max_concurrent_streams,omitempty"`
	MaxHeaderListSize    *uint32 `toml:"max_header_list_size,omitempty"`
}

// Config is the top-level configuration for the fetch command.
type Config struct {
	LogLevel           string        `toml:"log_level,omitempty"`
	RequestTimeout     string        `toml:"request_timeout,omitempty"` // e.g. "30s"
	InsecureSkipVerify bool          `toml:"insecure_skip_verify,omitempty"`
	HTTP2              HTTP2Settings `toml:"http2,omitempty"`
}

const (
	maxWindowSize       = 1<<31 - 1
	minAllowedFrameSize = 16384
	maxAllowedFrameSize = 1<<24 - 1
)

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		LogLevel:       "info",
		RequestTimeout: "30s",
	}
}

// Load reads a TOML configuration file, applies defaults for missing values
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decoding config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges. The HTTP/2 settings ranges follow
// RFC 7540 Section 6.5.2.
func (c *Config) Validate() error {
	if _, err := c.Timeout(); err != nil {
		return err
	}
	if v := c.HTTP2.InitialWindowSize; v != nil && *v > maxWindowSize {
		return fmt.Errorf("http2.initial_window_size %d exceeds maximum %d", *v, maxWindowSize)
	}
	if v := c.HTTP2.MaxFrameSize; v != nil && (*v < minAllowedFrameSize || *v > maxAllowedFrameSize) {
		return fmt.Errorf("http2.max_frame_size %d outside allowed range [%d, %d]", *v, minAllowedFrameSize, maxAllowedFrameSize)
	}
	switch c.LogLevel {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// Timeout parses RequestTimeout. An empty value means no timeout.
func (c *Config) Timeout() (time.Duration, error) {
	if c.RequestTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid request_timeout %q: %w", c.RequestTimeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("request_timeout must not be negative, got %q", c.RequestTimeout)
	}
	return d, nil
}
