package cli

import (
	"github.com/spf13/cobra"

	"github.com/mrz1836/ledgerlink/internal/output"
)

// statusCmd reports whether connecting is currently possible.
//
//nolint:gochecknoglobals // Cobra CLI pattern requires package-level command variables
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service availability",
	Long: `Query the staking API health endpoint and report whether new
connections are allowed. Connections are refused while the service is
degraded or the API reports your region as geo-blocked.

Example:
  ledgerlink status
  ledgerlink status -o json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

//nolint:gochecknoinits // Cobra CLI pattern requires init for command registration
func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := GetCmdContext(cmd)

	gate, err := newGate(cc)
	if err != nil {
		return err
	}
	return cc.Fmt.Print(output.NewStatusView(gate.Status(cmd.Context())))
}
