package connect

import (
	"github.com/mrz1836/ledgerlink/internal/chain"
	"github.com/mrz1836/ledgerlink/internal/derivation"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// State is a step of one derivation attempt.
type State int

// Derivation states. An attempt moves forward only and ends in Resolved
// or Failed.
const (
	StateIdle State = iota
	StateAwaitingTransport
	StateAwaitingDeviceConfirmation
	StateResolved
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingTransport:
		return "awaiting_transport"
	case StateAwaitingDeviceConfirmation:
		return "awaiting_device_confirmation"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateFailed
}

// Transition is reported to a StateObserver on every state change. Err is
// set only for StateFailed.
type Transition struct {
	Chain chain.ID
	State State
	Err   error
}

// StateObserver is notified of each transition, in order, on the
// goroutine running the attempt.
type StateObserver func(Transition)

// Result is a successfully derived account.
type Result struct {
	Chain     chain.ID        `json:"chain"`
	Address   string          `json:"address"`
	PublicKey []byte          `json:"public_key,omitempty"`
	Path      derivation.Path `json:"-"`

	// Policy is the wallet policy the Bitcoin address was derived under.
	Policy *derivation.WalletPolicy `json:"-"`

	// AccountChanged is set when a reconnect yields a different address
	// than the one already connected, e.g. after swapping devices.
	AccountChanged bool   `json:"account_changed,omitempty"`
	Previous       string `json:"previous,omitempty"`
}

// ErrConnectInFlight is returned when a connect is already running for the
// same chain.
var ErrConnectInFlight = &linkerr.LinkError{
	Code:       "CONNECT_IN_FLIGHT",
	Message:    "a connection attempt is already in progress",
	Suggestion: "finish or cancel the pending confirmation on your Ledger",
	ExitCode:   linkerr.ExitInput,
}
