package cli

import (
	"context"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrz1836/ledgerlink/internal/cache"
	"github.com/mrz1836/ledgerlink/internal/chain"
	"github.com/mrz1836/ledgerlink/internal/output"
	"github.com/mrz1836/ledgerlink/internal/service/connect"
	"github.com/mrz1836/ledgerlink/internal/session"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

//nolint:gochecknoglobals // Cobra CLI pattern requires package-level flag variables
var (
	// connectBalance fetches the Bitcoin balance after connecting.
	connectBalance bool
	// connectQR renders address QR codes on a terminal.
	connectQR bool
	// connectTimeout bounds the whole attempt, including user confirmation.
	connectTimeout time.Duration
)

// connectCmd derives and confirms addresses on the device.
//
//nolint:gochecknoglobals // Cobra CLI pattern requires package-level command variables
var connectCmd = &cobra.Command{
	Use:   "connect [bbn|btc|all]",
	Short: "Connect the Ledger and confirm addresses",
	Long: `Derive the account address on the Ledger and confirm it on screen.

bbn needs the Cosmos app open, btc the Bitcoin Test app. "all" (the
default) connects both in turn and reports every failure; switch apps on
the device when prompted.

Examples:
  ledgerlink connect btc --balance
  ledgerlink connect bbn --qr
  ledgerlink connect all -o json`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"bbn", "btc", "all"},
	RunE:      runConnect,
}

//nolint:gochecknoinits // Cobra CLI pattern requires init for command registration
func init() {
	rootCmd.AddCommand(connectCmd)

	connectCmd.Flags().BoolVar(&connectBalance, "balance", false, "fetch the Bitcoin balance after connecting")
	connectCmd.Flags().BoolVar(&connectQR, "qr", false, "show a QR code of each address (terminal only)")
	connectCmd.Flags().DurationVar(&connectTimeout, "timeout", 0, "give up after this long (0 waits for the device)")
}

// connectReport is the outcome of one connect invocation.
type connectReport struct {
	Accounts []output.AccountView `json:"accounts"`
	Balance  *output.BalanceView  `json:"balance,omitempty"`
	Errors   []output.ErrorDetail `json:"errors,omitempty"`

	qr bool
}

// RenderText writes each account followed by the balance.
func (r *connectReport) RenderText(w io.Writer) error {
	for i := range r.Accounts {
		if i > 0 {
			outln(w)
		}
		if err := r.Accounts[i].RenderText(w); err != nil {
			return err
		}
		if r.qr {
			output.RenderQR(w, r.Accounts[i].Address, output.DefaultQRConfig())
		}
	}
	if r.Balance != nil {
		out(w, "Balance:    %s\n", r.Balance)
	}
	return nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	cc := GetCmdContext(cmd)

	target := "all"
	if len(args) == 1 {
		target = args[0]
	}
	ids, err := connectTargets(target)
	if err != nil {
		return err
	}
	if connectBalance && !containsChain(ids, chain.Bitcoin) {
		return linkerr.WithSuggestion(linkerr.ErrInvalidInput, "--balance needs the btc account; run: ledgerlink connect btc --balance")
	}

	store := newAccountStore(cc)
	known, err := loadAccounts(cc, store)
	if err != nil {
		return err
	}
	state := session.NewHolder()
	state.Restore(known.Session(cache.DefaultStaleness))

	svc, err := newConnectService(cc, promptObserver(cmd.ErrOrStderr()), state)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	report := &connectReport{Accounts: []output.AccountView{}, qr: connectQR}
	var firstErr error
	fail := func(err error) {
		report.Errors = append(report.Errors, output.NewErrorDetail(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, id := range ids {
		if prev, ok := known.Get(id); ok {
			cc.Log.Debug("connect %s: last account %s", id, prev.Address)
		}
		res, err := svc.Connect(ctx, id)
		if err != nil {
			cc.Log.Error("connect %s: %v", id, err)
			fail(linkerr.Wrap(err, "connect %s", id))
			continue
		}
		known.Set(cache.AccountEntry{
			Chain:       res.Chain,
			Address:     res.Address,
			PublicKey:   hex.EncodeToString(res.PublicKey),
			ConnectedAt: svc.Session().Accounts[res.Chain].ConnectedAt,
		})
		report.Accounts = append(report.Accounts, accountView(res))
	}

	if connectBalance && connected(report.Accounts, chain.Bitcoin) {
		sat, err := svc.RefreshBalance(ctx)
		if err != nil {
			fail(linkerr.Wrap(err, "balance"))
		} else {
			known.SetBalance(sat)
			report.Balance = output.NewBalanceView(sat, cc.Cfg.GetCoinName(), 8)
		}
	}

	if len(report.Accounts) > 0 {
		if err := store.Save(known); err != nil {
			cc.Log.Error("saving account cache: %v", err)
		}
		if err := cc.Fmt.Print(report); err != nil {
			return err
		}
	}
	return firstErr
}

// connectTargets expands a connect argument into chain IDs.
func connectTargets(arg string) ([]chain.ID, error) {
	if strings.EqualFold(strings.TrimSpace(arg), "all") {
		return chain.All(), nil
	}
	id, err := chain.ParseChainID(arg)
	if err != nil {
		return nil, err
	}
	return []chain.ID{id}, nil
}

// connected reports whether want was connected in this run.
func connected(accounts []output.AccountView, want chain.ID) bool {
	for i := range accounts {
		if accounts[i].Chain == want {
			return true
		}
	}
	return false
}

func containsChain(ids []chain.ID, want chain.ID) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

// accountView converts a connect result for display.
func accountView(res *connect.Result) output.AccountView {
	view := output.AccountView{
		Chain:     res.Chain,
		Network:   res.Chain.DisplayName(),
		Address:   res.Address,
		PublicKey: hex.EncodeToString(res.PublicKey),
		Policy:    output.NewPolicyView(res.Policy),
	}
	if res.Path != nil {
		view.Path = res.Path.String()
	}
	if res.AccountChanged {
		view.Previous = res.Previous
	}
	return view
}

// promptObserver tells the user what the device is waiting for.
func promptObserver(w io.Writer) connect.StateObserver {
	return func(tr connect.Transition) {
		switch tr.State {
		case connect.StateAwaitingTransport:
			out(w, "Connecting to Ledger (%s)...\n", tr.Chain.DisplayName())
		case connect.StateAwaitingDeviceConfirmation:
			out(w, "Confirm the %s address on your Ledger\n", tr.Chain.DisplayName())
		case connect.StateFailed:
			if verbose {
				out(w, "%s: %v\n", tr.Chain, tr.Err)
			}
		case connect.StateIdle, connect.StateResolved:
		}
	}
}
