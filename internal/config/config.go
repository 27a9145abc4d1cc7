// Package config provides configuration management for ledgerlink.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrz1836/ledgerlink/internal/device"
	"github.com/mrz1836/ledgerlink/internal/fileutil"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// Transport names accepted in DeviceConfig.Transport.
const (
	TransportHID      = "hid"
	TransportSpeculos = "speculos"
)

// Config represents the application configuration.
type Config struct {
	Version int           `yaml:"version"`
	Home    string        `yaml:"home"`
	Device  DeviceConfig  `yaml:"device"`
	Network NetworkConfig `yaml:"network"`
	Output  OutputConfig  `yaml:"output"`
	Logging LoggingConfig `yaml:"logging"`
}

// DeviceConfig defines how the signing device is reached.
type DeviceConfig struct {
	Transport       string `yaml:"transport"`
	SpeculosAddr    string `yaml:"speculos_addr"`
	ExchangeTimeout string `yaml:"exchange_timeout"`
}

// NetworkConfig defines the upstream services and display names.
type NetworkConfig struct {
	HealthURL   string `yaml:"health_url"`
	EsploraURL  string `yaml:"esplora_url"`
	CoinName    string `yaml:"coin_name"`
	NetworkName string `yaml:"network_name"`
}

// OutputConfig defines output formatting settings.
type OutputConfig struct {
	DefaultFormat string `yaml:"default_format"`
	Color         string `yaml:"color"`
	Verbose       bool   `yaml:"verbose"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads configuration from the specified file.
func Load(path string) (*Config, error) {
	// #nosec G304 -- config file path is from validated user input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, linkerr.WithCause(linkerr.ErrConfigInvalid, err)
	}

	return cfg, nil
}

// Save writes configuration to the specified file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return fileutil.WriteAtomic(path, data, 0o600)
}

// Path returns the default config file path.
func Path(home string) string {
	return filepath.Join(home, "config.yaml")
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Device.Transport {
	case TransportHID, TransportSpeculos:
	default:
		return linkerr.WithSuggestion(
			linkerr.WithDetails(linkerr.ErrConfigInvalid, map[string]string{"device.transport": c.Device.Transport}),
			"use \"hid\" or \"speculos\"",
		)
	}
	if _, err := c.exchangeTimeout(); err != nil {
		return linkerr.WithDetails(linkerr.ErrConfigInvalid, map[string]string{"device.exchange_timeout": c.Device.ExchangeTimeout})
	}
	return nil
}

// GetHome returns the ledgerlink home directory path.
func (c *Config) GetHome() string {
	return c.Home
}

// GetTransport returns the configured device transport.
func (c *Config) GetTransport() string {
	return c.Device.Transport
}

// GetSpeculosAddr returns the Speculos APDU address.
func (c *Config) GetSpeculosAddr() string {
	return c.Device.SpeculosAddr
}

// GetExchangeTimeout returns the per-exchange device timeout, falling back
// to the device default when unset or invalid.
func (c *Config) GetExchangeTimeout() time.Duration {
	d, err := c.exchangeTimeout()
	if err != nil || d == 0 {
		return device.DefaultExchangeTimeout
	}
	return d
}

func (c *Config) exchangeTimeout() (time.Duration, error) {
	s := strings.TrimSpace(c.Device.ExchangeTimeout)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err == nil && d < 0 {
		return 0, linkerr.ErrConfigInvalid
	}
	return d, err
}

// GetHealthURL returns the availability API base URL.
func (c *Config) GetHealthURL() string {
	return c.Network.HealthURL
}

// GetEsploraURL returns the balance API base URL.
func (c *Config) GetEsploraURL() string {
	return c.Network.EsploraURL
}

// GetCoinName returns the display name of the Bitcoin-style coin.
func (c *Config) GetCoinName() string {
	return c.Network.CoinName
}

// GetNetworkName returns the display name of the network.
func (c *Config) GetNetworkName() string {
	return c.Network.NetworkName
}

// GetLoggingLevel returns the configured logging level.
func (c *Config) GetLoggingLevel() string {
	return c.Logging.Level
}

// GetLoggingFile returns the configured log file path.
func (c *Config) GetLoggingFile() string {
	return c.Logging.File
}

// GetOutputFormat returns the default output format.
func (c *Config) GetOutputFormat() string {
	return c.Output.DefaultFormat
}

// IsVerbose returns true if verbose output is enabled.
func (c *Config) IsVerbose() bool {
	return c.Output.Verbose
}

// DefaultHome returns the default ledgerlink home directory.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ledgerlink"
	}
	return filepath.Join(home, ".ledgerlink")
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[2:]), nil
}
