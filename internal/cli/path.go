package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/mrz1836/ledgerlink/internal/chain"
	"github.com/mrz1836/ledgerlink/internal/derivation"
	"github.com/mrz1836/ledgerlink/internal/output"
)

// pathCmd prints the derivation path used on each chain.
//
//nolint:gochecknoglobals // Cobra CLI pattern requires package-level command variables
var pathCmd = &cobra.Command{
	Use:   "path [chain]",
	Short: "Show derivation paths",
	Long: `Print the derivation path ledgerlink asks the device for.

Examples:
  ledgerlink path
  ledgerlink path btc`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPath,
}

//nolint:gochecknoinits // Cobra CLI pattern requires init for command registration
func init() {
	rootCmd.AddCommand(pathCmd)
}

// pathEntry is one chain's derivation path.
type pathEntry struct {
	Chain    chain.ID `json:"chain"`
	Network  string   `json:"network"`
	Path     string   `json:"path"`
	Purpose  uint32   `json:"purpose"`
	CoinType uint32   `json:"coin_type"`
}

type pathList []pathEntry

func (l pathList) RenderText(w io.Writer) error {
	table := output.NewTable("CHAIN", "NETWORK", "PATH")
	for _, e := range l {
		table.AddRow(string(e.Chain), e.Network, e.Path)
	}
	return table.Render(w)
}

func runPath(cmd *cobra.Command, args []string) error {
	cc := GetCmdContext(cmd)

	ids := chain.All()
	if len(args) == 1 {
		id, err := chain.ParseChainID(args[0])
		if err != nil {
			return err
		}
		ids = []chain.ID{id}
	}

	list := make(pathList, 0, len(ids))
	for _, id := range ids {
		path, err := derivation.PathFor(id)
		if err != nil {
			return err
		}
		list = append(list, pathEntry{
			Chain:    id,
			Network:  id.DisplayName(),
			Path:     path.String(),
			Purpose:  id.Purpose(),
			CoinType: id.CoinType(),
		})
	}
	return cc.Fmt.Print(list)
}
