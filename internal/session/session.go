// Package session holds the state of a wallet connection: the address
// derived on each chain, the Bitcoin balance and whether a device or
// network operation is in flight. Nothing here touches the disk; package
// cache saves snapshots between runs and Holder.Restore loads them.
package session

import (
	"time"

	"github.com/mrz1836/ledgerlink/internal/chain"
)

// Account is an address derived from the device on one chain.
type Account struct {
	Chain       chain.ID  `json:"chain"`
	Address     string    `json:"address"`
	PublicKey   []byte    `json:"public_key,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Session is an immutable snapshot of the connection state.
type Session struct {
	Accounts map[chain.ID]Account `json:"accounts"`
	Balance  *uint64              `json:"balance,omitempty"`
	Loading  bool                 `json:"loading"`
	// Version counts state transitions since the holder was created.
	Version uint64 `json:"version"`
}

// Address returns the connected address on id, or "".
func (s Session) Address(id chain.ID) string {
	return s.Accounts[id].Address
}

// Connected reports whether an address is connected on id.
func (s Session) Connected(id chain.ID) bool {
	return s.Address(id) != ""
}

// KnownBalance returns the Bitcoin balance in satoshis. ok is false when
// no Bitcoin address is connected or no balance has been fetched.
func (s Session) KnownBalance() (sat uint64, ok bool) {
	if !s.Connected(chain.Bitcoin) || s.Balance == nil {
		return 0, false
	}
	return *s.Balance, true
}

// Manager defines the connection state operations.
type Manager interface {
	// SetAddress records the address derived on a chain.
	SetAddress(id chain.ID, address string, publicKey []byte) error

	// SetBalance records the Bitcoin balance in satoshis. It fails with
	// ErrNotConnected when no Bitcoin address is connected.
	SetBalance(sat uint64) error

	// SetLoading marks whether an operation is in flight.
	SetLoading(loading bool)

	// Disconnect clears addresses, balance and loading in one transition.
	Disconnect()

	// Snapshot returns the current state.
	Snapshot() Session

	// Address returns the connected address on id, or "".
	Address(id chain.ID) string

	// Balance returns the Bitcoin balance; ok is false when unknown.
	Balance() (sat uint64, ok bool)

	// IsLoading reports whether an operation is in flight.
	IsLoading() bool

	// Subscribe registers fn to receive a snapshot after every
	// transition. The returned function unregisters it.
	Subscribe(fn func(Session)) (unsubscribe func())
}
