// Package config loads usblink configuration from YAML. All settings have
// working defaults; a missing config file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/usblink/usblink/pkg/discover"
	"github.com/usblink/usblink/pkg/transfer"
)

// Config is the root configuration structure.
type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Transfer  TransferConfig  `yaml:"transfer"`
}

// DiscoveryConfig tunes enumeration and the notification engine.
type DiscoveryConfig struct {
	// DeviceClass is the registry class filter for matching.
	DeviceClass string `yaml:"device_class"`
	// ListCacheTTLMillis bounds the age of the enumeration snapshot; zero
	// disables it.
	ListCacheTTLMillis int `yaml:"list_cache_ttl_ms"`
	// PoolCapacity bounds the matcher pool free list.
	PoolCapacity int `yaml:"pool_capacity"`
	// AggressiveRecovery selects the harder retry policy.
	AggressiveRecovery bool `yaml:"aggressive_recovery"`
}

// TransferConfig sets the per-kind timeout ceilings, in seconds.
type TransferConfig struct {
	ControlTimeoutSec     int `yaml:"control_timeout_sec"`
	BulkTimeoutSec        int `yaml:"bulk_timeout_sec"`
	InterruptTimeoutSec   int `yaml:"interrupt_timeout_sec"`
	IsochronousTimeoutSec int `yaml:"isochronous_timeout_sec"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			DeviceClass:        "usb_device",
			ListCacheTTLMillis: 500,
			PoolCapacity:       10,
		},
		Transfer: TransferConfig{
			ControlTimeoutSec:     30,
			BulkTimeoutSec:        60,
			InterruptTimeoutSec:   60,
			IsochronousTimeoutSec: 30,
		},
	}
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "usblink", "config.yaml")
}

// Load reads the configuration at path, falling back to DefaultPath and then
// to Default when the file does not exist. Settings omitted from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("could not read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Discovery.PoolCapacity < 0 {
		return fmt.Errorf("discovery.pool_capacity must not be negative")
	}
	if c.Discovery.ListCacheTTLMillis < 0 {
		return fmt.Errorf("discovery.list_cache_ttl_ms must not be negative")
	}
	for name, v := range map[string]int{
		"transfer.control_timeout_sec":     c.Transfer.ControlTimeoutSec,
		"transfer.bulk_timeout_sec":        c.Transfer.BulkTimeoutSec,
		"transfer.interrupt_timeout_sec":   c.Transfer.InterruptTimeoutSec,
		"transfer.isochronous_timeout_sec": c.Transfer.IsochronousTimeoutSec,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// EngineConfig converts the discovery section for the discovery engine.
func (c *Config) EngineConfig() discover.Config {
	return discover.Config{
		DeviceClass:  c.Discovery.DeviceClass,
		ListCacheTTL: time.Duration(c.Discovery.ListCacheTTLMillis) * time.Millisecond,
		PoolCapacity: c.Discovery.PoolCapacity,
		Aggressive:   c.Discovery.AggressiveRecovery,
	}
}

// Limits converts the transfer section for the communicator.
func (c *Config) Limits() transfer.Limits {
	return transfer.Limits{
		Control:     time.Duration(c.Transfer.ControlTimeoutSec) * time.Second,
		Bulk:        time.Duration(c.Transfer.BulkTimeoutSec) * time.Second,
		Interrupt:   time.Duration(c.Transfer.InterruptTimeoutSec) * time.Second,
		Isochronous: time.Duration(c.Transfer.IsochronousTimeoutSec) * time.Second,
	}
}
