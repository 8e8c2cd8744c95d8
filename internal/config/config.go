// Package config loads the chive daemon configuration from YAML.
//
// All fields have working defaults; a missing config file is not an
// error. Durations are written in Go notation ("5s", "250ms").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration.
type Config struct {
	// Plugins configures plugin discovery and execution.
	Plugins PluginConfig `yaml:"plugins"`

	// Storage configures the plugin key/value store.
	Storage StorageConfig `yaml:"storage"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// PluginConfig configures the plugin subsystem.
type PluginConfig struct {
	// Paths are the plugin search directories, in priority order.
	Paths []string `yaml:"paths"`

	// Watch enables hot reload of plugin directories.
	Watch bool `yaml:"watch"`

	// InitTimeout bounds a plugin entrypoint's execution.
	InitTimeout Duration `yaml:"initTimeout"`

	// InvokeTimeout is the watchdog applied to each sandbox call.
	InvokeTimeout Duration `yaml:"invokeTimeout"`

	// MaxCPUTime is the default total CPU budget per plugin.
	MaxCPUTime Duration `yaml:"maxCpuTime"`

	// MaxMemoryBytes is the default sandbox memory budget per plugin.
	MaxMemoryBytes int64 `yaml:"maxMemoryBytes"`

	// MaxStorageBytes is the default storage quota per plugin, used
	// when the manifest does not set one.
	MaxStorageBytes int64 `yaml:"maxStorageBytes"`

	// MaxConsecutiveTimeouts is how many invoke timeouts in a row a
	// plugin survives before forced termination. Zero disables the rule.
	MaxConsecutiveTimeouts int `yaml:"maxConsecutiveTimeouts"`
}

// StorageConfig configures the persistent plugin store.
type StorageConfig struct {
	// Path is the SQLite database file. Empty selects the in-memory
	// store, which does not survive restarts.
	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus metrics listener.
type MetricsConfig struct {
	// Listen is the metrics HTTP address. Empty disables the listener.
	Listen string `yaml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Development switches to the human-readable console encoder.
	Development bool `yaml:"development"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Plugins: PluginConfig{
			Paths:                  defaultPluginPaths(),
			Watch:                  false,
			InitTimeout:            Duration(10 * time.Second),
			InvokeTimeout:          Duration(5 * time.Second),
			MaxCPUTime:             Duration(30 * time.Second),
			MaxMemoryBytes:         32 * 1024 * 1024,
			MaxStorageBytes:        1 * 1024 * 1024,
			MaxConsecutiveTimeouts: 3,
		},
		Storage: StorageConfig{
			Path: defaultStoragePath(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, layered over the defaults. A
// missing file returns the defaults unchanged; a malformed file is an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func defaultPluginPaths() []string {
	paths := []string{"./plugins"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append([]string{filepath.Join(home, ".config", "chive", "plugins")}, paths...)
	}
	return paths
}

func defaultStoragePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "chive", "plugins.db")
	}
	return "chive-plugins.db"
}
