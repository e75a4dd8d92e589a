// Package config provides configuration management for the POP3 proxy.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Config holds the proxy's full configuration.
type Config struct {
	Hostname   string                       `toml:"hostname"`
	LogLevel   string                       `toml:"log_level"`
	Listen     string                       `toml:"listen"`
	Origin     string                       `toml:"origin"`
	Timeouts   TimeoutsConfig               `toml:"timeouts"`
	Limits     LimitsConfig                 `toml:"limits"`
	Metrics    MetricsConfig                `toml:"metrics"`
	ET         ExternalTransformationConfig `toml:"external_transformation"`
	Management ManagementConfig             `toml:"management"`
}

// TimeoutsConfig defines timeout durations. The specified core does not
// enforce idle timeouts (§5). Connection is parsed and validated here, but
// the session does not apply it: a session waiting in CONNECTING has no
// deadline.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxConnections int `toml:"max_connections"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// MediaTypeConfig names one (type, subtype) pair to divert RETR bodies for.
// Either field may be "*" to match any value at that level.
type MediaTypeConfig struct {
	Type    string `toml:"type"`
	Subtype string `toml:"subtype"`
}

// ExternalTransformationConfig is the mutable configuration object the
// management interface owns and the core only borrows: whether the filter
// is active, what to run, what to substitute when it cannot run, and which
// media types to divert.
type ExternalTransformationConfig struct {
	Activated          bool              `toml:"activated"`
	FilterCommand      string            `toml:"filter_command"`
	ReplacementMsg      string            `toml:"replacement_msg"`
	FilteredMediaTypes []MediaTypeConfig `toml:"filtered_media_types"`
}

// ETGuard wraps an ExternalTransformationConfig for safe concurrent access
// once the proxy is running: the management listener is its sole writer,
// on its own goroutine per connection, while every session reads it on the
// shared reactor goroutine. All access goes through its methods rather
// than the bare struct fields a session would otherwise race against.
type ETGuard struct {
	mu sync.RWMutex
	et ExternalTransformationConfig
}

// NewETGuard wraps an initial configuration (typically just loaded from
// TOML, before any goroutine but the caller's exists) for concurrent use.
func NewETGuard(et ExternalTransformationConfig) *ETGuard {
	g := &ETGuard{et: et}
	g.et.FilteredMediaTypes = append([]MediaTypeConfig(nil), et.FilteredMediaTypes...)
	return g
}

// Snapshot returns a point-in-time copy, including its own copy of the
// media type slice, safe for the caller to read without further locking.
func (g *ETGuard) Snapshot() ExternalTransformationConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	et := g.et
	et.FilteredMediaTypes = append([]MediaTypeConfig(nil), g.et.FilteredMediaTypes...)
	return et
}

// Activate sets the filter command and marks the transformation active.
func (g *ETGuard) Activate(command string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.et.FilterCommand = command
	g.et.Activated = true
}

// Deactivate turns the transformation off. The configured filter command
// is left in place; turning the transformation back on goes through
// Activate, which sets the command again.
func (g *ETGuard) Deactivate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.et.Activated = false
}

// SetReplacementMsg updates the text substituted for a diverted body when
// the filter cannot be run.
func (g *ETGuard) SetReplacementMsg(msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.et.ReplacementMsg = msg
}

// Ban adds mt to the diverted media type set if it is not already present.
func (g *ETGuard) Ban(mt MediaTypeConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.et.FilteredMediaTypes {
		if existing == mt {
			return
		}
	}
	g.et.FilteredMediaTypes = append(g.et.FilteredMediaTypes, mt)
}

// Unban removes mt from the diverted media type set.
func (g *ETGuard) Unban(mt MediaTypeConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.et.FilteredMediaTypes[:0]
	for _, existing := range g.et.FilteredMediaTypes {
		if existing != mt {
			kept = append(kept, existing)
		}
	}
	g.et.FilteredMediaTypes = kept
}

// ManagementConfig configures the separate auth+config mutation listener.
type ManagementConfig struct {
	Address  string `toml:"address"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listen:   ":110",
		Timeouts: TimeoutsConfig{
			Connection: "30s",
		},
		Limits: LimitsConfig{
			MaxConnections: 500,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9101",
			Path:    "/metrics",
		},
		ET: ExternalTransformationConfig{
			Activated:      false,
			ReplacementMsg: "This message could not be processed.",
		},
		Management: ManagementConfig{
			Address: ":9110",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.Origin == "" {
		return errors.New("origin address is required")
	}
	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}
	if c.Timeouts.Connection != "" {
		if _, err := time.ParseDuration(c.Timeouts.Connection); err != nil {
			return fmt.Errorf("invalid connection timeout: %w", err)
		}
	}
	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}
	if c.ET.Activated && c.ET.FilterCommand == "" {
		return errors.New("external_transformation.filter_command is required when activated")
	}
	for i, mt := range c.ET.FilteredMediaTypes {
		if mt.Type == "" || mt.Subtype == "" {
			return fmt.Errorf("filtered_media_types[%d]: type and subtype are both required", i)
		}
	}
	if c.Management.Address == "" {
		return errors.New("management address is required")
	}
	return nil
}

// ConnectionTimeout returns the connection timeout as a time.Duration.
// Returns 30 seconds if not configured or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	if c.Connection == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.Connection)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
