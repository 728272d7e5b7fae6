// Package config loads and validates the filbridge YAML configuration and
// performs the round-trip-preserving rewrite of the extruder mapping.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	CAN        CANConfig      `yaml:"can"`
	Klipper    KlipperConfig  `yaml:"klipper"`
	Extruders  ExtrudersConfig `yaml:"extruders"`
	Runout     RunoutConfig   `yaml:"filament_runout"`
	Logging    LoggingConfig  `yaml:"logging"`
	RFID       RFIDConfig     `yaml:"rfid"`
	Spoolman   SpoolmanConfig `yaml:"spoolman"`
}

type CANConfig struct {
	Interface string `yaml:"interface"`
	Bitrate   int    `yaml:"bitrate"`
}

type KlipperConfig struct {
	URL            string        `yaml:"url"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

type ExtrudersConfig struct {
	Count   int         `yaml:"count"`
	Active  int         `yaml:"active"`
	Mapping map[int]int `yaml:"mapping"`
}

type SensorConfig struct {
	Name     string `yaml:"name"`
	Extruder int    `yaml:"extruder"`
}

type RunoutConfig struct {
	Enabled bool           `yaml:"enabled"`
	Sensors []SensorConfig `yaml:"sensors"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type RFIDConfig struct {
	Enabled           bool   `yaml:"enabled"`
	DataDir           string `yaml:"data_dir"`
	AutoSetTemperature bool  `yaml:"auto_set_temperature"`
}

type SpoolmanConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	AutoSyncRFID  bool          `yaml:"auto_sync_rfid"`
	RetryCount    int           `yaml:"retry_count"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// DefaultConfig returns the configuration used as the base that a loaded
// file overlays.
func DefaultConfig() *Config {
	return &Config{
		CAN: CANConfig{
			Interface: "can0",
			Bitrate:   1000000,
		},
		Klipper: KlipperConfig{
			URL:            "ws://localhost:7125/websocket",
			UpdateInterval: 2 * time.Second,
		},
		Extruders: ExtrudersConfig{
			Count:  2,
			Active: 0,
			Mapping: map[int]int{
				0: 0,
				1: 1,
			},
		},
		Runout: RunoutConfig{
			Enabled: true,
			Sensors: []SensorConfig{
				{Name: "filament_sensor0", Extruder: 0},
				{Name: "filament_sensor1", Extruder: 1},
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "logs",
			MaxSizeMB:  10,
			MaxAgeDays: 30,
		},
		RFID: RFIDConfig{
			Enabled:            true,
			DataDir:            "rfid_data",
			AutoSetTemperature: false,
		},
		Spoolman: SpoolmanConfig{
			Enabled:       false,
			AutoSyncRFID:  false,
			RetryCount:    3,
			RetryInterval: 5 * time.Second,
		},
	}
}

// Load reads path, overlays it onto DefaultConfig, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants a running system depends on: a sane
// bijective mapping, exactly two runout sensors when runout is enabled, and
// non-empty URLs for any enabled external collaborator.
func (c *Config) Validate() error {
	left, ok := c.Extruders.Mapping[0]
	if !ok {
		return fmt.Errorf("config: extruders.mapping missing tube 0")
	}
	right, ok := c.Extruders.Mapping[1]
	if !ok {
		return fmt.Errorf("config: extruders.mapping missing tube 1")
	}
	if left < 0 || left > 1 || right < 0 || right > 1 {
		return fmt.Errorf("config: extruders.mapping values must be 0 or 1")
	}
	if left == right {
		return fmt.Errorf("config: extruders.mapping values must differ")
	}

	if c.Runout.Enabled && len(c.Runout.Sensors) != 2 {
		return fmt.Errorf("config: filament_runout.sensors must list exactly 2 sensors when enabled")
	}

	if c.Klipper.URL == "" {
		return fmt.Errorf("config: klipper.url must not be empty")
	}

	if c.Spoolman.Enabled && c.Spoolman.URL == "" {
		return fmt.Errorf("config: spoolman.url must not be empty when spoolman.enabled")
	}

	return nil
}
