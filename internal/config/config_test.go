package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/ledgerlink/internal/chain/btc"
	"github.com/mrz1836/ledgerlink/internal/config"
	"github.com/mrz1836/ledgerlink/internal/device"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

func TestLoadSave_RoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := config.Defaults()
	cfg.Device.Transport = config.TransportSpeculos
	cfg.Device.SpeculosAddr = "127.0.0.1:40000"
	cfg.Network.EsploraURL = "http://localhost:3002/api"
	cfg.Output.Verbose = true

	require.NoError(t, config.Save(cfg, path))

	_, err := os.Stat(path)
	require.NoError(t, err)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  transport: speculos\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.TransportSpeculos, cfg.GetTransport())
	assert.Equal(t, device.DefaultSpeculosAddr, cfg.GetSpeculosAddr())
	assert.Equal(t, config.DefaultHealthURL, cfg.GetHealthURL())
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("device: [unclosed"), 0o600))

		_, err := config.Load(path)
		require.ErrorIs(t, err, linkerr.ErrConfigInvalid)
	})
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults()

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, "~/.ledgerlink", cfg.Home)
	assert.Equal(t, config.TransportHID, cfg.Device.Transport)
	assert.Equal(t, device.DefaultSpeculosAddr, cfg.Device.SpeculosAddr)
	assert.Equal(t, device.DefaultExchangeTimeout, cfg.GetExchangeTimeout())
	assert.Equal(t, config.DefaultHealthURL, cfg.Network.HealthURL)
	assert.Equal(t, btc.DefaultBaseURL, cfg.Network.EsploraURL)
	assert.Equal(t, "tBTC", cfg.GetCoinName())
	assert.Equal(t, "Bitcoin testnet", cfg.GetNetworkName())
	assert.Equal(t, "auto", cfg.Output.DefaultFormat)
	assert.Equal(t, "error", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr bool
	}{
		{"defaults", func(*config.Config) {}, false},
		{"speculos", func(c *config.Config) { c.Device.Transport = config.TransportSpeculos }, false},
		{"empty timeout", func(c *config.Config) { c.Device.ExchangeTimeout = "" }, false},
		{"unknown transport", func(c *config.Config) { c.Device.Transport = "bluetooth" }, true},
		{"unparsable timeout", func(c *config.Config) { c.Device.ExchangeTimeout = "soon" }, true},
		{"negative timeout", func(c *config.Config) { c.Device.ExchangeTimeout = "-5s" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Defaults()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, linkerr.ErrConfigInvalid)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestGetExchangeTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"30s", 30 * time.Second},
		{" 1m ", time.Minute},
		{"", device.DefaultExchangeTimeout},
		{"0s", device.DefaultExchangeTimeout},
		{"garbage", device.DefaultExchangeTimeout},
		{"-1s", device.DefaultExchangeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Parallel()
			cfg := config.Defaults()
			cfg.Device.ExchangeTimeout = tt.value
			assert.Equal(t, tt.expected, cfg.GetExchangeTimeout())
		})
	}
}

func TestPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, filepath.Join("/home/user/.ledgerlink", "config.yaml"), config.Path("/home/user/.ledgerlink"))
}

func TestDefaultHome(t *testing.T) {
	t.Parallel()
	assert.True(t, strings.HasSuffix(config.DefaultHome(), ".ledgerlink"))
}

func TestExpandHome(t *testing.T) {
	t.Parallel()
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := config.ExpandHome("~/.ledgerlink/ledgerlink.log")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ledgerlink", "ledgerlink.log"), got)

	got, err = config.ExpandHome("/var/log/ledgerlink.log")
	require.NoError(t, err)
	assert.Equal(t, "/var/log/ledgerlink.log", got)
}
