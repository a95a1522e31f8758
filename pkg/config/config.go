// Package config provides the YAML configuration of the bitscale tools
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fako1024/bitscale/pkg/protocol"
	"github.com/fako1024/bitscale/pkg/publish"
	"github.com/fako1024/bitscale/pkg/stability"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Debug    bool           `yaml:"debug"`
	Listen   string         `yaml:"listen"`
	Scale    ScaleConfig    `yaml:"scale"`
	AutoSave AutoSaveConfig `yaml:"auto_save"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// ScaleConfig holds the connection settings of the scale
type ScaleConfig struct {
	DeviceID       string           `yaml:"device_id"`
	RetryInterval  time.Duration    `yaml:"retry_interval"`
	ConnectTimeout time.Duration    `yaml:"connect_timeout"`
	LowBattery     int              `yaml:"low_battery"`
	Profile        protocol.Profile `yaml:"profile"`
}

// AutoSaveConfig holds the auto-save settings
type AutoSaveConfig struct {
	Enabled          bool `yaml:"enabled"`
	stability.Config `yaml:",inline"`
}

// MQTTConfig holds the event publishing settings
type MQTTConfig struct {
	Enabled        bool `yaml:"enabled"`
	publish.Config `yaml:",inline"`
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bitscale", "config.yaml")
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Scale: ScaleConfig{
			RetryInterval:  1200 * time.Millisecond,
			ConnectTimeout: 10 * time.Second,
			LowBattery:     10,
			Profile:        protocol.DefaultProfile(),
		},
		AutoSave: AutoSaveConfig{
			Enabled: true,
			Config:  stability.DefaultConfig(),
		},
		MQTT: MQTTConfig{
			Config: publish.Config{
				Broker:      "tcp://localhost:1883",
				ClientID:    "bitscale",
				TopicPrefix: "bitscale",
				QoS:         1,
			},
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values
func (c *Config) Validate() error {
	if err := c.Scale.Profile.Validate(); err != nil {
		return fmt.Errorf("scale.profile: %w", err)
	}
	if c.Scale.RetryInterval <= 0 {
		return fmt.Errorf("scale.retry_interval must be > 0")
	}
	if c.Scale.ConnectTimeout <= 0 {
		return fmt.Errorf("scale.connect_timeout must be > 0")
	}
	if c.Scale.LowBattery < 0 || c.Scale.LowBattery > 100 {
		return fmt.Errorf("scale.low_battery must be within [0,100], got %d", c.Scale.LowBattery)
	}
	if err := c.AutoSave.Config.Validate(); err != nil {
		return fmt.Errorf("auto_save: %w", err)
	}
	if c.MQTT.Enabled {
		if err := c.MQTT.Config.Validate(); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	return nil
}
