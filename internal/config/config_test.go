package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Hostname != "localhost" {
		t.Errorf("expected hostname 'localhost', got %q", cfg.Hostname)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log_level 'info', got %q", cfg.LogLevel)
	}
	if cfg.Listen != ":110" {
		t.Errorf("expected listen ':110', got %q", cfg.Listen)
	}
	if cfg.Limits.MaxConnections != 500 {
		t.Errorf("expected max_connections 500, got %d", cfg.Limits.MaxConnections)
	}
	if cfg.Timeouts.Connection != "30s" {
		t.Errorf("expected connection timeout '30s', got %q", cfg.Timeouts.Connection)
	}
	if cfg.ET.Activated {
		t.Error("expected external_transformation to be inactive by default")
	}
	if cfg.Management.Address != ":9110" {
		t.Errorf("expected management address ':9110', got %q", cfg.Management.Address)
	}

	// Default() alone is not valid: it still needs an origin address.
	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate() to fail without an origin address")
	}
}

func validConfig() Config {
	cfg := Default()
	cfg.Origin = "mail.example.com:110"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty hostname", func(c *Config) { c.Hostname = "" }, true},
		{"empty listen", func(c *Config) { c.Listen = "" }, true},
		{"empty origin", func(c *Config) { c.Origin = "" }, true},
		{"zero max_connections", func(c *Config) { c.Limits.MaxConnections = 0 }, true},
		{"negative max_connections", func(c *Config) { c.Limits.MaxConnections = -1 }, true},
		{"invalid connection timeout", func(c *Config) { c.Timeouts.Connection = "invalid" }, true},
		{
			"metrics enabled without address",
			func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Address = "" },
			true,
		},
		{
			"et activated without filter command",
			func(c *Config) { c.ET.Activated = true; c.ET.FilterCommand = "" },
			true,
		},
		{
			"et activated with filter command",
			func(c *Config) { c.ET.Activated = true; c.ET.FilterCommand = "cat" },
			false,
		},
		{
			"filtered media type missing subtype",
			func(c *Config) {
				c.ET.FilteredMediaTypes = []MediaTypeConfig{{Type: "text"}}
			},
			true,
		},
		{"empty management address", func(c *Config) { c.Management.Address = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConnectionTimeout(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"10m", 10 * time.Minute},
		{"1h", 1 * time.Hour},
		{"30s", 30 * time.Second},
		{"", 30 * time.Second},
		{"invalid", 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			cfg := TimeoutsConfig{Connection: tt.value}
			if got := cfg.ConnectionTimeout(); got != tt.expected {
				t.Errorf("ConnectionTimeout() = %v, want %v", got, tt.expected)
			}
		})
	}
}
