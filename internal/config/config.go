// Package config loads the board and device configuration from YAML.
package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration.
type Config struct {
	Board  BoardConfig  `yaml:"board"`
	Device DeviceConfig `yaml:"device"`
	Trace  TraceConfig  `yaml:"trace,omitempty"`
	Log    LogConfig    `yaml:"log"`
}

// BoardConfig places guest RAM and picks the interrupt line for the device.
type BoardConfig struct {
	RAMBase uint64 `yaml:"ram_base"`
	RAMSize uint64 `yaml:"ram_size"`
	IRQ     uint8  `yaml:"irq"`
}

// DeviceConfig configures the stopwatch. RegsBase and MemBase pin the two
// windows at fixed addresses; when both are nil the board allocates them.
type DeviceConfig struct {
	StartAtBoot *bool   `yaml:"start_at_boot,omitempty"`
	RegsBase    *uint64 `yaml:"regs_base,omitempty"`
	MemBase     *uint64 `yaml:"mem_base,omitempty"`
}

type TraceConfig struct {
	Path string `yaml:"path,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	start := true
	return &Config{
		Board: BoardConfig{
			RAMBase: 0x4000_0000,
			RAMSize: 256 << 20,
			IRQ:     33,
		},
		Device: DeviceConfig{StartAtBoot: &start},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Device.StartAtBoot == nil {
		start := true
		c.Device.StartAtBoot = &start
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Write encodes cfg as YAML.
func Write(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return nil
}

// StartsAtBoot reports whether the stopwatch runs from power-on.
func (c *Config) StartsAtBoot() bool {
	return c.Device.StartAtBoot == nil || *c.Device.StartAtBoot
}

// SlogLevel maps Log.Level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
