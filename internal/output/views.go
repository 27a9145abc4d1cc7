package output

import (
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/mrz1836/ledgerlink/internal/chain"
	"github.com/mrz1836/ledgerlink/internal/chain/btc"
	"github.com/mrz1836/ledgerlink/internal/derivation"
	"github.com/mrz1836/ledgerlink/internal/service/availability"
	"github.com/mrz1836/ledgerlink/internal/session"
)

// Address trimming widths used in compact displays.
const (
	trimHead = 10
	trimTail = 6
)

// TrimAddress shortens an address to its first and last characters, e.g.
// "tb1p5cyxnu...kh3w6t". Short addresses are returned unchanged.
func TrimAddress(address string) string {
	if len(address) <= trimHead+trimTail+3 {
		return address
	}
	return address[:trimHead] + "..." + address[len(address)-trimTail:]
}

// BalanceView is a Bitcoin balance with its display amount.
type BalanceView struct {
	Satoshis uint64 `json:"satoshis"`
	Amount   string `json:"amount"`
	Coin     string `json:"coin"`
}

// NewBalanceView formats sat with at most maxDecimals decimals.
func NewBalanceView(sat uint64, coin string, maxDecimals int32) *BalanceView {
	return &BalanceView{
		Satoshis: sat,
		Amount:   btc.FormatBTC(sat, maxDecimals),
		Coin:     coin,
	}
}

// String renders the balance as "<amount> <coin>".
func (b *BalanceView) String() string {
	if b.Coin == "" {
		return b.Amount
	}
	return b.Amount + " " + b.Coin
}

// PolicyView is the wallet policy an address was derived under.
type PolicyView struct {
	Name       string   `json:"name"`
	Template   string   `json:"descriptor_template"`
	Keys       []string `json:"keys"`
	Descriptor string   `json:"descriptor"`
}

// NewPolicyView returns nil for a nil policy.
func NewPolicyView(p *derivation.WalletPolicy) *PolicyView {
	if p == nil {
		return nil
	}
	return &PolicyView{
		Name:       p.Name,
		Template:   p.DescriptorTemplate,
		Keys:       p.Keys(),
		Descriptor: p.Descriptor(),
	}
}

// RenderText writes the policy as labelled lines.
func (p *PolicyView) RenderText(w io.Writer) error {
	name := p.Name
	if name == "" {
		name = "(default)"
	}
	_, err := fmt.Fprintf(w, "Policy:     %s\nTemplate:   %s\nKey @0:     %s\nDescriptor: %s\n",
		name, p.Template, p.Keys[0], p.Descriptor)
	return err
}

// AccountView is one connected account.
type AccountView struct {
	Chain       chain.ID    `json:"chain"`
	Network     string      `json:"network"`
	Address     string      `json:"address"`
	PublicKey   string      `json:"public_key,omitempty"`
	Path        string      `json:"path,omitempty"`
	Policy      *PolicyView `json:"policy,omitempty"`
	ConnectedAt *time.Time  `json:"connected_at,omitempty"`

	// Previous is set when a reconnect resolved to a different account.
	Previous string `json:"previous_address,omitempty"`
}

// RenderText writes the account as labelled lines.
func (a *AccountView) RenderText(w io.Writer) error {
	lines := []string{
		fmt.Sprintf("Chain:      %s (%s)", a.Network, a.Chain),
		fmt.Sprintf("Address:    %s", a.Address),
	}
	if a.Path != "" {
		lines = append(lines, fmt.Sprintf("Path:       %s", a.Path))
	}
	if a.PublicKey != "" {
		lines = append(lines, fmt.Sprintf("Public key: %s", a.PublicKey))
	}
	if a.Previous != "" {
		lines = append(lines, fmt.Sprintf("Warning:    account changed, was %s", a.Previous))
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	if a.Policy != nil {
		return a.Policy.RenderText(w)
	}
	return nil
}

// SessionView is the connection state of every chain.
type SessionView struct {
	Accounts []AccountView `json:"accounts"`
	Balance  *BalanceView  `json:"balance,omitempty"`
	Loading  bool          `json:"loading"`

	// BalanceStale is set when a remembered balance is too old to show.
	BalanceStale bool `json:"balance_stale,omitempty"`
}

// NewSessionView builds the view of s in chain display order.
func NewSessionView(s session.Session, coin string, maxDecimals int32) SessionView {
	view := SessionView{
		Accounts: []AccountView{},
		Loading:  s.Loading,
	}
	for _, id := range chain.All() {
		acct, ok := s.Accounts[id]
		if !ok || acct.Address == "" {
			continue
		}
		connectedAt := acct.ConnectedAt
		view.Accounts = append(view.Accounts, AccountView{
			Chain:       id,
			Network:     id.DisplayName(),
			Address:     acct.Address,
			PublicKey:   hex.EncodeToString(acct.PublicKey),
			ConnectedAt: &connectedAt,
		})
	}
	if sat, ok := s.KnownBalance(); ok {
		view.Balance = NewBalanceView(sat, coin, maxDecimals)
	}
	return view
}

// RenderText writes the session as a table followed by the balance line.
func (v SessionView) RenderText(w io.Writer) error {
	if len(v.Accounts) == 0 {
		_, err := fmt.Fprintln(w, "Not connected")
		return err
	}

	table := NewTable("CHAIN", "NETWORK", "ADDRESS")
	for _, a := range v.Accounts {
		table.AddRow(string(a.Chain), a.Network, TrimAddress(a.Address))
	}
	if err := table.Render(w); err != nil {
		return err
	}

	switch {
	case v.Loading:
		_, err := fmt.Fprintln(w, "\nBalance:    loading...")
		return err
	case v.Balance != nil:
		_, err := fmt.Fprintf(w, "\nBalance:    %s\n", v.Balance)
		return err
	case v.BalanceStale:
		_, err := fmt.Fprintln(w, "\nBalance:    stale, run: ledgerlink connect btc --balance")
		return err
	default:
		return nil
	}
}

// StatusView is the availability report of the upstream service.
type StatusView struct {
	State   availability.State `json:"state"`
	Allowed bool               `json:"connect_allowed"`
	availability.Status
}

// NewStatusView summarizes s.
func NewStatusView(s availability.Status) StatusView {
	return StatusView{
		State:   s.State(),
		Allowed: s.IsNormal(),
		Status:  s,
	}
}

// RenderText writes the state and, when restricted, the service message.
func (v StatusView) RenderText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Service: %s\n", v.State); err != nil {
		return err
	}
	if v.Allowed {
		return nil
	}
	_, err := fmt.Fprintf(w, "Connect: unavailable (%s)\n", v.Message)
	return err
}
