package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/mrz1836/go-sanitize"
)

// Environment variable names.
const (
	EnvHome            = "LEDGERLINK_HOME"
	EnvTransport       = "LEDGERLINK_TRANSPORT"
	EnvSpeculosAddr    = "LEDGERLINK_SPECULOS_ADDR"
	EnvExchangeTimeout = "LEDGERLINK_EXCHANGE_TIMEOUT"
	EnvHealthURL       = "LEDGERLINK_HEALTH_URL"
	EnvEsploraURL      = "LEDGERLINK_ESPLORA_URL"
	EnvOutputFormat    = "LEDGERLINK_OUTPUT_FORMAT"
	EnvVerbose         = "LEDGERLINK_VERBOSE"
	EnvLogLevel        = "LEDGERLINK_LOG_LEVEL"
	EnvNoColor         = "NO_COLOR"
)

// ApplyEnvironment applies environment variable overrides to the configuration.
//
//nolint:gocognit,gocyclo // Environment variable overrides require sequential checks
func ApplyEnvironment(cfg *Config) {
	if v := os.Getenv(EnvHome); v != "" {
		cfg.Home = v
	}

	if v := os.Getenv(EnvTransport); v != "" {
		cfg.Device.Transport = strings.ToLower(strings.TrimSpace(v))
	}

	if v := os.Getenv(EnvSpeculosAddr); v != "" {
		cfg.Device.SpeculosAddr = strings.TrimSpace(v)
	}

	if v := os.Getenv(EnvExchangeTimeout); v != "" {
		cfg.Device.ExchangeTimeout = strings.TrimSpace(v)
	}

	// Empty values disable the collaborator, so presence is what counts.
	if v, ok := os.LookupEnv(EnvHealthURL); ok {
		cfg.Network.HealthURL = SanitizeURL(v)
	}

	if v, ok := os.LookupEnv(EnvEsploraURL); ok {
		cfg.Network.EsploraURL = SanitizeURL(v)
	}

	if v := os.Getenv(EnvOutputFormat); v != "" {
		cfg.Output.DefaultFormat = strings.ToLower(v)
	}

	if v := os.Getenv(EnvVerbose); v != "" {
		cfg.Output.Verbose = parseBool(v)
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}

	// NO_COLOR disables colored output
	if _, ok := os.LookupEnv(EnvNoColor); ok {
		cfg.Output.Color = "never"
	}
}

// parseBool parses a boolean string value.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "1" || s == "true" || s == "yes" || s == "on" {
		return true
	}
	b, _ := strconv.ParseBool(s)
	return b
}

// SanitizeURL cleans a URL string by removing invalid characters and trimming whitespace.
// This is useful for cleaning user-provided API URLs that may contain copy-paste artifacts.
func SanitizeURL(url string) string {
	return sanitize.URL(strings.TrimSpace(url))
}
