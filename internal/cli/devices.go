package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mrz1836/ledgerlink/internal/config"
	"github.com/mrz1836/ledgerlink/internal/device"
	"github.com/mrz1836/ledgerlink/internal/output"
)

// listDevices enumerates attached Ledgers. Replaced in tests.
//
//nolint:gochecknoglobals // Test seam for USB enumeration
var listDevices = func(c *config.Config) ([]device.Info, error) {
	return device.NewHIDOpener(c.GetExchangeTimeout()).List()
}

// devicesCmd lists reachable devices.
//
//nolint:gochecknoglobals // Cobra CLI pattern requires package-level command variables
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List connected Ledger devices",
	Long: `List the Ledger devices visible on the configured transport. With the
speculos transport the emulator address is shown instead.

Example:
  ledgerlink devices
  ledgerlink devices --transport speculos`,
	Args: cobra.NoArgs,
	RunE: runDevices,
}

//nolint:gochecknoinits // Cobra CLI pattern requires init for command registration
func init() {
	rootCmd.AddCommand(devicesCmd)
}

type deviceList []device.Info

func (l deviceList) RenderText(w io.Writer) error {
	if len(l) == 0 {
		outln(w, "No Ledger found. Connect it over USB and unlock it.")
		return nil
	}
	table := output.NewTable("PRODUCT", "PID", "PATH")
	for _, d := range l {
		table.AddRow(d.Product, fmt.Sprintf("0x%04x", d.ProductID), d.Path)
	}
	return table.Render(w)
}

func runDevices(cmd *cobra.Command, _ []string) error {
	cc := GetCmdContext(cmd)

	if cc.Cfg.GetTransport() == config.TransportSpeculos {
		return cc.Fmt.Print(deviceList{{
			Path:         cc.Cfg.GetSpeculosAddr(),
			Manufacturer: "Ledger",
			Product:      "Speculos",
		}})
	}

	infos, err := listDevices(cc.Cfg)
	if err != nil {
		return err
	}
	return cc.Fmt.Print(deviceList(infos))
}
