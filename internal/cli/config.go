package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mrz1836/ledgerlink/internal/config"
	"github.com/mrz1836/ledgerlink/internal/output"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// configCmd is the parent command for configuration operations.
//
//nolint:gochecknoglobals // Cobra CLI pattern requires package-level command variables
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and modify ledgerlink configuration settings.`,
}

// configInitCmd initializes the configuration.
//
//nolint:gochecknoglobals // Cobra CLI pattern requires package-level command variables
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	Long: `Create a default configuration file at ~/.ledgerlink/config.yaml.

If a configuration file already exists, this command will not overwrite it
unless --force is specified.

Example:
  ledgerlink config init
  ledgerlink config init --force`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

// configShowCmd shows the current configuration.
//
//nolint:gochecknoglobals // Cobra CLI pattern requires package-level command variables
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long: `Display the effective configuration, including environment overrides.

Example:
  ledgerlink config show
  ledgerlink config show -o json`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

// configGetCmd gets a specific configuration value.
//
//nolint:gochecknoglobals // Cobra CLI pattern requires package-level command variables
var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long: `Get a specific configuration value by its dotted key.

Examples:
  ledgerlink config get device.transport
  ledgerlink config get network.esplora_url`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

// configSetCmd sets a configuration value.
//
//nolint:gochecknoglobals // Cobra CLI pattern requires package-level command variables
var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value by its dotted key and save the file.
An empty health_url or esplora_url disables that service.

Examples:
  ledgerlink config set device.transport speculos
  ledgerlink config set device.speculos_addr 127.0.0.1:9999
  ledgerlink config set logging.level debug`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

//nolint:gochecknoglobals // Cobra CLI pattern requires package-level flag variables
var configForce bool

//nolint:gochecknoinits // Cobra CLI pattern requires init for command registration
func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite existing configuration")
}

// configKey reads and writes one setting.
type configKey struct {
	get func(c *config.Config) string
	set func(c *config.Config, v string) error
}

func stringKey(field func(c *config.Config) *string) configKey {
	return configKey{
		get: func(c *config.Config) string { return *field(c) },
		set: func(c *config.Config, v string) error {
			*field(c) = strings.TrimSpace(v)
			return nil
		},
	}
}

func urlKey(field func(c *config.Config) *string) configKey {
	return configKey{
		get: func(c *config.Config) string { return *field(c) },
		set: func(c *config.Config, v string) error {
			*field(c) = config.SanitizeURL(v)
			return nil
		},
	}
}

func choiceKey(field func(c *config.Config) *string, choices ...string) configKey {
	return configKey{
		get: func(c *config.Config) string { return *field(c) },
		set: func(c *config.Config, v string) error {
			v = strings.ToLower(strings.TrimSpace(v))
			for _, choice := range choices {
				if v == choice {
					*field(c) = v
					return nil
				}
			}
			return linkerr.WithSuggestion(linkerr.ErrInvalidInput, "use one of: "+strings.Join(choices, ", "))
		},
	}
}

//nolint:gochecknoglobals // Lookup table of settable keys
var configKeys = map[string]configKey{
	"home":                    stringKey(func(c *config.Config) *string { return &c.Home }),
	"device.transport":        choiceKey(func(c *config.Config) *string { return &c.Device.Transport }, config.TransportHID, config.TransportSpeculos),
	"device.speculos_addr":    stringKey(func(c *config.Config) *string { return &c.Device.SpeculosAddr }),
	"device.exchange_timeout": stringKey(func(c *config.Config) *string { return &c.Device.ExchangeTimeout }),
	"network.health_url":      urlKey(func(c *config.Config) *string { return &c.Network.HealthURL }),
	"network.esplora_url":     urlKey(func(c *config.Config) *string { return &c.Network.EsploraURL }),
	"network.coin_name":       stringKey(func(c *config.Config) *string { return &c.Network.CoinName }),
	"network.network_name":    stringKey(func(c *config.Config) *string { return &c.Network.NetworkName }),
	"output.default_format":   choiceKey(func(c *config.Config) *string { return &c.Output.DefaultFormat }, "auto", "text", "json"),
	"output.color":            choiceKey(func(c *config.Config) *string { return &c.Output.Color }, "auto", "always", "never"),
	"logging.level":           choiceKey(func(c *config.Config) *string { return &c.Logging.Level }, "off", "error", "debug"),
	"logging.file":            stringKey(func(c *config.Config) *string { return &c.Logging.File }),
	"output.verbose": {
		get: func(c *config.Config) string { return strconv.FormatBool(c.Output.Verbose) },
		set: func(c *config.Config, v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return linkerr.WithSuggestion(linkerr.ErrInvalidInput, "use true or false")
			}
			c.Output.Verbose = b
			return nil
		},
	},
}

func lookupConfigKey(key string) (configKey, error) {
	k, ok := configKeys[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return configKey{}, linkerr.WithSuggestion(
			linkerr.WithDetails(linkerr.ErrInvalidInput, map[string]string{"key": key}),
			"run 'ledgerlink config show' to list keys",
		)
	}
	return k, nil
}

func sortedConfigKeys() []string {
	keys := make([]string, 0, len(configKeys))
	for k := range configKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	cc := GetCmdContext(cmd)
	configPath := config.Path(cc.Cfg.GetHome())

	// Check if config already exists
	if _, err := os.Stat(configPath); err == nil && !configForce {
		return linkerr.WithSuggestion(
			linkerr.ErrGeneral,
			fmt.Sprintf("configuration already exists at %s. Use --force to overwrite.", configPath),
		)
	}

	defaultCfg := config.Defaults()
	defaultCfg.Home = cc.Cfg.GetHome()

	if err := config.Save(defaultCfg, configPath); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	w := cmd.OutOrStdout()
	out(w, "Configuration initialized at %s\n", configPath)
	outln(w)
	outln(w, "Edit this file to configure:")
	outln(w, "  - device.transport: hid for a USB Ledger, speculos for the emulator")
	outln(w, "  - network.health_url: availability API (empty disables the check)")
	outln(w, "  - network.esplora_url: balance API (empty disables balances)")
	outln(w, "  - logging.level: Log level (off/error/debug)")

	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := GetCmdContext(cmd)

	if cc.Fmt.IsJSON() {
		values := make(map[string]string, len(configKeys))
		for k, key := range configKeys {
			values[k] = key.get(cc.Cfg)
		}
		return output.WriteJSON(cmd.OutOrStdout(), values)
	}

	table := output.NewTable("KEY", "VALUE")
	for _, k := range sortedConfigKeys() {
		v := configKeys[k].get(cc.Cfg)
		if v == "" {
			v = "(not configured)"
		}
		table.AddRow(k, v)
	}
	return table.Render(cmd.OutOrStdout())
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	cc := GetCmdContext(cmd)

	key, err := lookupConfigKey(args[0])
	if err != nil {
		return err
	}
	outln(cmd.OutOrStdout(), key.get(cc.Cfg))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	cc := GetCmdContext(cmd)

	key, err := lookupConfigKey(args[0])
	if err != nil {
		return err
	}

	// Edit the file, not the effective config, so env overrides stay out.
	configPath := config.Path(cc.Cfg.GetHome())
	fileCfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		fileCfg = config.Defaults()
		fileCfg.Home = cc.Cfg.GetHome()
	} else if err != nil {
		return err
	}

	if err := key.set(fileCfg, args[1]); err != nil {
		return err
	}
	if err := fileCfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(fileCfg, configPath); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	out(cmd.OutOrStdout(), "Set %s = %s\n", args[0], key.get(fileCfg))
	return nil
}
