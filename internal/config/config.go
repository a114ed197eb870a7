// Package config loads the YAML server configuration file described
// in spec.md §6: which Pulser capability to bind, where to listen,
// and where the runtime directory (startup sequence + name tables)
// lives.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML document molecubed loads at startup.
type Config struct {
	Dummy      bool   `yaml:"dummy"`
	Listen     string `yaml:"listen"`
	RuntimeDir string `yaml:"runtime_dir"`

	// HardwareAddr is the physical base address molecubed mmaps when
	// Dummy is false. Unused (and unvalidated) when Dummy is true.
	HardwareAddr int64 `yaml:"hardware_addr"`

	// LeadTime and RunnerIdleSleep resolve spec.md §9's two tuned-
	// constant open questions; a zero value falls back to the spec's
	// named defaults rather than to Go's zero value.
	LeadTime        time.Duration `yaml:"lead_time"`
	RunnerIdleSleep time.Duration `yaml:"runner_idle_sleep"`
}

const (
	defaultLeadTime  = 500 * time.Millisecond
	defaultIdleSleep = time.Millisecond
)

// Load reads and parses the YAML config file at path, applying the
// spec's documented defaults for any tuned constant left at zero.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Listen == "" {
		return nil, fmt.Errorf("config: %s: listen is required", path)
	}
	if cfg.RuntimeDir == "" {
		return nil, fmt.Errorf("config: %s: runtime_dir is required", path)
	}
	if cfg.LeadTime <= 0 {
		cfg.LeadTime = defaultLeadTime
	}
	if cfg.RunnerIdleSleep <= 0 {
		cfg.RunnerIdleSleep = defaultIdleSleep
	}
	return cfg, nil
}
