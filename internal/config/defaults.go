package config

import (
	"github.com/mrz1836/ledgerlink/internal/chain/btc"
	"github.com/mrz1836/ledgerlink/internal/device"
)

// DefaultHealthURL is the staking API queried for availability.
const DefaultHealthURL = "https://staking-api.testnet.babylonlabs.io"

// Defaults returns the default configuration.
func Defaults() *Config {
	return &Config{
		Version: 1,
		Home:    "~/.ledgerlink",
		Device: DeviceConfig{
			Transport:       TransportHID,
			SpeculosAddr:    device.DefaultSpeculosAddr,
			ExchangeTimeout: device.DefaultExchangeTimeout.String(),
		},
		Network: NetworkConfig{
			HealthURL:   DefaultHealthURL,
			EsploraURL:  btc.DefaultBaseURL,
			CoinName:    "tBTC",
			NetworkName: "Bitcoin testnet",
		},
		Output: OutputConfig{
			DefaultFormat: "auto",
			Color:         "auto",
			Verbose:       false,
		},
		Logging: LoggingConfig{
			Level: "error",
			File:  "~/.ledgerlink/ledgerlink.log",
		},
	}
}
