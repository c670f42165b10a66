// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

// Package config loads and validates the canmaster YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmorgan-eng/canmaster/pkg/canwire"
)

// Bus driver names.
const (
	DriverSocketCAN = "socketcan"
	DriverSLCAN     = "slcan"
	DriverLoopback  = "loopback"
)

// Bus selects and parameterizes the CAN transport.
type Bus struct {
	Driver    string `yaml:"driver"`
	Interface string `yaml:"interface"`
	Port      string `yaml:"port"`
	BaudRate  int    `yaml:"baud_rate"`
	SpeedCode int    `yaml:"speed_code"`
}

// HTTP configures the operator-facing server.
type HTTP struct {
	Listen    string `yaml:"listen"`
	StaticDir string `yaml:"static_dir"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// Intervals override the housekeeping timers.
type Intervals struct {
	ReqIntro time.Duration `yaml:"req_intro"`
	Epoch    time.Duration `yaml:"epoch"`
}

// Config is the full canmaster configuration.
type Config struct {
	LogLevel       string    `yaml:"log_level"`
	MasterNodeID   string    `yaml:"master_node_id"`
	Bus            Bus       `yaml:"bus"`
	HTTP           HTTP      `yaml:"http"`
	DatabasePath   string    `yaml:"database_path"`
	DefinitionsCSV string    `yaml:"definitions_csv"`
	Intervals      Intervals `yaml:"intervals"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel:     "info",
		MasterNodeID: "01000001",
		Bus: Bus{
			Driver:    DriverSocketCAN,
			Interface: "can0",
			BaudRate:  115200,
			SpeedCode: 6,
		},
		HTTP: HTTP{
			Listen: ":8080",
		},
		DatabasePath: "canmaster.db",
		Intervals: Intervals{
			ReqIntro: 30 * time.Minute,
			Epoch:    10 * time.Second,
		},
	}
}

// Load reads path over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}

	if _, err := canwire.ParseNodeID(c.MasterNodeID); err != nil {
		return fmt.Errorf("config: master_node_id: %w", err)
	}

	switch c.Bus.Driver {
	case DriverSocketCAN:
		if c.Bus.Interface == "" {
			return errors.New("config: socketcan driver needs bus.interface")
		}
	case DriverSLCAN:
		if c.Bus.Port == "" {
			return errors.New("config: slcan driver needs bus.port")
		}
		if c.Bus.BaudRate <= 0 {
			return errors.New("config: slcan driver needs a positive bus.baud_rate")
		}
		if c.Bus.SpeedCode < 0 || c.Bus.SpeedCode > 8 {
			return fmt.Errorf("config: bus.speed_code %d out of range 0-8", c.Bus.SpeedCode)
		}
	case DriverLoopback:
	default:
		return fmt.Errorf("config: unknown bus.driver %q", c.Bus.Driver)
	}

	if c.HTTP.Listen == "" {
		return errors.New("config: http.listen must be set")
	}
	if (c.HTTP.Username == "") != (c.HTTP.Password == "") {
		return errors.New("config: http.username and http.password must be set together")
	}
	if c.DatabasePath == "" {
		return errors.New("config: database_path must be set")
	}
	if c.Intervals.ReqIntro <= 0 || c.Intervals.Epoch <= 0 {
		return errors.New("config: intervals must be positive")
	}
	return nil
}

// MasterID returns the parsed master node id. Call after Validate.
func (c *Config) MasterID() canwire.NodeID {
	id, _ := canwire.ParseNodeID(c.MasterNodeID)
	return id
}
