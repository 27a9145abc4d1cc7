package cli

import (
	"github.com/spf13/cobra"

	"github.com/mrz1836/ledgerlink/internal/cache"
	"github.com/mrz1836/ledgerlink/internal/output"
	"github.com/mrz1836/ledgerlink/internal/service/connect"
	"github.com/mrz1836/ledgerlink/internal/session"
)

//nolint:gochecknoglobals // Cobra CLI pattern requires package-level flag variables
var accountsForget bool

// accountsCmd shows the accounts remembered from earlier connections.
//
//nolint:gochecknoglobals // Cobra CLI pattern requires package-level command variables
var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Show previously connected accounts",
	Long: `Show the accounts confirmed by the last connect, without touching the
device. The next connect compares against these and warns when the device
derives a different account.

Examples:
  ledgerlink accounts
  ledgerlink accounts --forget`,
	Args: cobra.NoArgs,
	RunE: runAccounts,
}

//nolint:gochecknoinits // Cobra CLI pattern requires init for command registration
func init() {
	rootCmd.AddCommand(accountsCmd)

	accountsCmd.Flags().BoolVar(&accountsForget, "forget", false, "disconnect and forget every remembered account")
}

func runAccounts(cmd *cobra.Command, _ []string) error {
	cc := GetCmdContext(cmd)
	store := newAccountStore(cc)

	known, err := loadAccounts(cc, store)
	if err != nil {
		return err
	}
	state := session.NewHolder()
	state.Restore(known.Session(cache.DefaultStaleness))

	if accountsForget {
		return forgetAccounts(cc, store, known, state)
	}

	view := output.NewSessionView(state.Snapshot(), cc.Cfg.GetCoinName(), 8)
	view.BalanceStale = known.IsStale(cache.DefaultStaleness)
	return cc.Fmt.Print(view)
}

// forgetAccounts disconnects the restored session and saves it empty.
func forgetAccounts(cc *CommandContext, store *cache.FileStorage, known *cache.AccountCache, state *session.Holder) error {
	svc := connect.NewService(&connect.Config{State: state, Logger: cc.Log})
	svc.Disconnect()

	known.Clear()
	if store.Exists() {
		if err := store.Save(known); err != nil {
			return err
		}
		cc.Log.Debug("account cache cleared: %s", store.Path())
	}
	return cc.Fmt.Print(output.NewSessionView(svc.Session(), cc.Cfg.GetCoinName(), 8))
}
