package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RelayConfig is the relay's optional static limits file (`--config`), kept
// in the teacher's validated-struct idiom even though the relay's primary
// configuration surface is CLI flags (spec.md Non-goals: the relay holds no
// durable state). Every field has a safe default and the file is optional.
type RelayConfig struct {
	BindAddress        string `yaml:"bind_address"`
	MaxMessageBytes     int    `yaml:"max_message_bytes"`
	MaxDevicesPerRoom  int    `yaml:"max_devices_per_room"`
	RateLimitCapacity  int    `yaml:"rate_limit_capacity"`
	RateLimitPerSecond int    `yaml:"rate_limit_per_second"`
	LogLevel           string `yaml:"log_level"`
	LogFormat          string `yaml:"log_format"`
}

// DefaultRelayConfig returns the relay's built-in defaults (spec §4.4, §6).
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BindAddress:        "0.0.0.0:8080",
		MaxMessageBytes:    300 * 1024,
		MaxDevicesPerRoom:  10,
		RateLimitCapacity:  24,
		RateLimitPerSecond: 12,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Validate checks that every configured limit is sane.
func (c *RelayConfig) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("config: bind_address must not be empty")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("config: max_message_bytes must be positive")
	}
	if c.MaxDevicesPerRoom <= 0 {
		return fmt.Errorf("config: max_devices_per_room must be positive")
	}
	if c.RateLimitCapacity <= 0 || c.RateLimitPerSecond <= 0 {
		return fmt.Errorf("config: rate_limit_capacity and rate_limit_per_second must be positive")
	}
	return nil
}

// LoadRelayConfig reads and parses a YAML limits file, starting from
// DefaultRelayConfig so an omitted field keeps its default rather than
// zeroing out.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	cfg := DefaultRelayConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
