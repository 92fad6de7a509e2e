package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen              = ":8080"
	DefaultUDPPort             = 8081
	DefaultControlPort         = 8082
	DefaultExchangeTimeoutMs   = 8000
	DefaultCriticalRetries     = 2
	DefaultFailureThreshold    = 3
	DefaultBackoffBaseMs       = 1000
	DefaultBackoffCapMs        = 5000
	DefaultBroadcastAddr       = "255.255.255.255"
	DefaultBroadcastPort       = 5353
	DefaultBroadcastIntervalMs = 30000
	DefaultServiceName         = "meshgw"
)

// Config holds the gateway settings.
type Config struct {
	// Listen is the HTTP listen address for the browser-facing API.
	Listen string `yaml:"listen"`
	// UDPPort is the gateway's own UDP port. Proxied exchanges are sent
	// from it and root-node registrations/heartbeats arrive on it.
	UDPPort int `yaml:"udp_port"`
	// ControlPort is the fixed port the root node firmware listens on
	// for API command frames.
	ControlPort       int `yaml:"control_port"`
	ExchangeTimeoutMs int `yaml:"exchange_timeout_ms"`
	CriticalRetries   int `yaml:"critical_retries"`
	FailureThreshold  int `yaml:"failure_threshold"`
	BackoffBaseMs     int `yaml:"backoff_base_ms"`
	BackoffCapMs      int `yaml:"backoff_cap_ms"`

	BroadcastAddr       string `yaml:"broadcast_addr"`
	BroadcastPort       int    `yaml:"broadcast_port"`
	BroadcastIntervalMs int    `yaml:"broadcast_interval_ms"`
	ServiceName         string `yaml:"service_name"`

	DataDir     string `yaml:"data_dir"`
	PluginsDir  string `yaml:"plugins_dir"`
	MetricsPath string `yaml:"metrics_path"`
}

// Load reads and parses a YAML config file. Defaults are applied before
// parsing, so a key that is absent gets its default while an explicit zero
// in the file (critical_retries: 0) is kept as written.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	ApplyDefaults(&cfg)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if cfg.UDPPort <= 0 || cfg.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be 1-65535")
	}
	if cfg.ControlPort <= 0 || cfg.ControlPort > 65535 {
		return fmt.Errorf("control_port must be 1-65535")
	}
	if cfg.UDPPort == cfg.BroadcastPort {
		return fmt.Errorf("udp_port and broadcast_port must differ")
	}
	if cfg.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1")
	}
	if cfg.CriticalRetries < 0 {
		return fmt.Errorf("critical_retries must be >= 0")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.UDPPort == 0 {
		cfg.UDPPort = DefaultUDPPort
	}
	if cfg.ControlPort == 0 {
		cfg.ControlPort = DefaultControlPort
	}
	if cfg.ExchangeTimeoutMs == 0 {
		cfg.ExchangeTimeoutMs = DefaultExchangeTimeoutMs
	}
	if cfg.CriticalRetries == 0 {
		cfg.CriticalRetries = DefaultCriticalRetries
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.BackoffBaseMs == 0 {
		cfg.BackoffBaseMs = DefaultBackoffBaseMs
	}
	if cfg.BackoffCapMs == 0 {
		cfg.BackoffCapMs = DefaultBackoffCapMs
	}
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = DefaultBroadcastAddr
	}
	if cfg.BroadcastPort == 0 {
		cfg.BroadcastPort = DefaultBroadcastPort
	}
	if cfg.BroadcastIntervalMs == 0 {
		cfg.BroadcastIntervalMs = DefaultBroadcastIntervalMs
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
}
