package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	Listen         string
	Origin         string
	MaxConnections int
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./pop3proxy.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Proxy hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Listen, "listen", "", "Listen address for the POP3 proxy")
	flag.StringVar(&f.Origin, "origin", "", "Origin POP3 server address")
	flag.IntVar(&f.MaxConnections, "max-connections", 0, "Maximum concurrent connections")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config. If the file
// does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig Config
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return mergeConfig(cfg, fileConfig), nil
}

// ApplyFlags merges command-line flag values into the config. Non-zero/
// non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.Listen != "" {
		cfg.Listen = f.Listen
	}
	if f.Origin != "" {
		cfg.Origin = f.Origin
	}
	if f.MaxConnections > 0 {
		cfg.Limits.MaxConnections = f.MaxConnections
	}
	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags, then
// applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.Origin != "" {
		dst.Origin = src.Origin
	}
	if src.Timeouts.Connection != "" {
		dst.Timeouts.Connection = src.Timeouts.Connection
	}
	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}
	if src.ET.Activated {
		dst.ET.Activated = src.ET.Activated
	}
	if src.ET.FilterCommand != "" {
		dst.ET.FilterCommand = src.ET.FilterCommand
	}
	if src.ET.ReplacementMsg != "" {
		dst.ET.ReplacementMsg = src.ET.ReplacementMsg
	}
	if len(src.ET.FilteredMediaTypes) > 0 {
		dst.ET.FilteredMediaTypes = src.ET.FilteredMediaTypes
	}
	if src.Management.Address != "" {
		dst.Management.Address = src.Management.Address
	}
	if src.Management.Username != "" {
		dst.Management.Username = src.Management.Username
	}
	if src.Management.Password != "" {
		dst.Management.Password = src.Management.Password
	}
	return dst
}
