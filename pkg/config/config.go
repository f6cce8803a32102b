package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Transport kinds
const (
	TransportBLE   = "ble"
	TransportProxy = "proxy"
)

// Config holds the CLI configuration
type Config struct {
	// Logging configuration
	LogLevel string `yaml:"log_level"`

	// Device transport configuration
	Transport string `yaml:"transport"` // "ble" or "proxy"
	ProxyCmd  string `yaml:"proxy_cmd"`
	DeviceID  string `yaml:"device_id"`

	// Address for the local monitor server, empty to disable
	MonitorAddr string `yaml:"monitor_addr"`

	// Overrides applied to the live settings store
	Env map[string]string `yaml:"env"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		LogLevel:  "debug",
		Transport: TransportBLE,
	}
}

// Load reads a YAML config file. A missing path yields the defaults with
// the HWMANAGER_PROXY_CMD environment variable applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if cfg.ProxyCmd == "" {
		cfg.ProxyCmd = os.Getenv("HWMANAGER_PROXY_CMD")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration. It does not mutate it.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportBLE:
	case TransportProxy:
		if c.ProxyCmd == "" {
			return fmt.Errorf("proxy transport requires proxy_cmd (or HWMANAGER_PROXY_CMD environment variable)")
		}
	default:
		return fmt.Errorf("invalid transport: %s (must be '%s' or '%s')", c.Transport, TransportBLE, TransportProxy)
	}

	for k, v := range c.Env {
		if err := validate(Name(k), v); err != nil {
			return fmt.Errorf("env: %w", err)
		}
	}
	return nil
}

// ApplyTo copies the env overrides into the live settings store
func (c *Config) ApplyTo(env *Env) error {
	if len(c.Env) == 0 {
		return nil
	}
	return env.Apply(c.Env)
}
