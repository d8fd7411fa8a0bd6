// Package config loads fsmbus-demo configuration.
//
// Configuration comes from a single file named by the --config flag or,
// failing that, the FSMBUS_CONFIG environment variable. The format follows
// the extension: .yaml/.yml or .toml. Without a file the defaults apply.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config path.
const EnvVar = "FSMBUS_CONFIG"

// Bus modes
const (
	ModeRelay  = "relay"
	ModeNative = "native"
)

// Config is the demo configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" toml:"log_level"`

	Bus     BusConfig     `yaml:"bus" toml:"bus"`
	RPC     RPCConfig     `yaml:"rpc" toml:"rpc"`
	Machine MachineConfig `yaml:"machine" toml:"machine"`
}

// BusConfig configures the broadcast bus.
type BusConfig struct {
	// Mode selects the relay (worker processes over stdio) or the native
	// in-process hub.
	Mode string `yaml:"mode" toml:"mode"`

	// SeenCacheSize bounds the duplicate-suppression caches.
	SeenCacheSize int `yaml:"seen_cache_size" toml:"seen_cache_size"`
}

// RPCConfig configures request/response calls.
type RPCConfig struct {
	// RequestTimeout bounds each call. Zero waits indefinitely.
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout"`
}

// MachineConfig configures the state machine.
type MachineConfig struct {
	// MaxCascade bounds NoTrigger steps after one trigger.
	MaxCascade int `yaml:"max_cascade" toml:"max_cascade"`
}

// Default returns the configuration used without a file.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Bus: BusConfig{
			Mode:          ModeRelay,
			SeenCacheSize: 4096,
		},
		RPC: RPCConfig{
			RequestTimeout: 30 * time.Second,
		},
		Machine: MachineConfig{
			MaxCascade: 1000,
		},
	}
}

// Load reads the file at path over the defaults. An empty path falls back
// to FSMBUS_CONFIG, and to the defaults alone when that is unset too.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}

	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Bus.Mode {
	case ModeRelay, ModeNative:
	default:
		errs = append(errs, fmt.Errorf("bus.mode must be %q or %q, got %q", ModeRelay, ModeNative, c.Bus.Mode))
	}
	if c.Bus.SeenCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("bus.seen_cache_size must be positive, got %d", c.Bus.SeenCacheSize))
	}
	if c.RPC.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("rpc.request_timeout must not be negative, got %v", c.RPC.RequestTimeout))
	}
	if c.Machine.MaxCascade <= 0 {
		errs = append(errs, fmt.Errorf("machine.max_cascade must be positive, got %d", c.Machine.MaxCascade))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
