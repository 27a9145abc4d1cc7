package session

import (
	"sync"
	"time"

	"github.com/mrz1836/ledgerlink/internal/chain"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// Holder is the in-memory Manager. Mutations are serialized and each one
// publishes exactly one snapshot to subscribers, in transition order.
// Subscribers may read from the Holder but must not mutate it.
type Holder struct {
	// publish serializes mutations together with their notifications.
	publish sync.Mutex

	mu       sync.RWMutex
	accounts map[chain.ID]Account
	balance  *uint64
	loading  bool
	version  uint64

	subs   map[int]func(Session)
	nextID int

	now func() time.Time
}

// NewHolder creates an empty, disconnected Holder.
func NewHolder() *Holder {
	return &Holder{
		accounts: make(map[chain.ID]Account),
		subs:     make(map[int]func(Session)),
		now:      time.Now,
	}
}

// SetAddress records the address derived on id. Replacing the Bitcoin
// address with a different one drops the balance fetched for the old one.
func (h *Holder) SetAddress(id chain.ID, address string, publicKey []byte) error {
	if !id.IsValid() {
		return linkerr.WithDetails(linkerr.ErrUnsupportedChain, map[string]string{"chain": string(id)})
	}
	if address == "" {
		return linkerr.WithDetails(linkerr.ErrInvalidInput, map[string]string{"address": "empty"})
	}

	var pub []byte
	if publicKey != nil {
		pub = append([]byte(nil), publicKey...)
	}

	h.mutate(func() {
		if id == chain.Bitcoin && h.accounts[id].Address != address {
			h.balance = nil
		}
		h.accounts[id] = Account{
			Chain:       id,
			Address:     address,
			PublicKey:   pub,
			ConnectedAt: h.now(),
		}
	})
	return nil
}

// SetBalance records the Bitcoin balance in satoshis.
func (h *Holder) SetBalance(sat uint64) error {
	var err error
	h.mutateIf(func() bool {
		if h.accounts[chain.Bitcoin].Address == "" {
			err = linkerr.WithDetails(linkerr.ErrNotConnected, map[string]string{"chain": string(chain.Bitcoin)})
			return false
		}
		h.balance = &sat
		return true
	})
	return err
}

// SetLoading marks whether an operation is in flight.
func (h *Holder) SetLoading(loading bool) {
	h.mutate(func() {
		h.loading = loading
	})
}

// Restore replaces the state with s in one transition. Connection times
// are kept; the loading flag is not restored.
func (h *Holder) Restore(s Session) {
	h.mutate(func() {
		h.accounts = make(map[chain.ID]Account, len(s.Accounts))
		for id, acct := range s.Accounts {
			if !id.IsValid() || acct.Address == "" {
				continue
			}
			if acct.PublicKey != nil {
				acct.PublicKey = append([]byte(nil), acct.PublicKey...)
			}
			acct.Chain = id
			h.accounts[id] = acct
		}
		h.balance = nil
		if sat, ok := s.KnownBalance(); ok {
			h.balance = &sat
		}
		h.loading = false
	})
}

// Disconnect clears addresses, balance and loading in one transition.
func (h *Holder) Disconnect() {
	h.mutate(func() {
		h.accounts = make(map[chain.ID]Account)
		h.balance = nil
		h.loading = false
	})
}

// Snapshot returns the current state.
func (h *Holder) Snapshot() Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked()
}

// Address returns the connected address on id, or "".
func (h *Holder) Address(id chain.ID) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.accounts[id].Address
}

// Balance returns the Bitcoin balance; ok is false when unknown.
func (h *Holder) Balance() (uint64, bool) {
	return h.Snapshot().KnownBalance()
}

// IsLoading reports whether an operation is in flight.
func (h *Holder) IsLoading() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loading
}

// Subscribe registers fn for every future transition.
func (h *Holder) Subscribe(fn func(Session)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *Holder) mutate(fn func()) {
	h.mutateIf(func() bool {
		fn()
		return true
	})
}

// mutateIf applies fn and, if it reports a change, publishes the new
// snapshot. Subscribers run after the write lock is released.
func (h *Holder) mutateIf(fn func() bool) {
	h.publish.Lock()
	defer h.publish.Unlock()

	h.mu.Lock()
	if !fn() {
		h.mu.Unlock()
		return
	}
	h.version++
	snap := h.snapshotLocked()
	subs := make([]func(Session), 0, len(h.subs))
	for id := 0; id < h.nextID; id++ {
		if sub, ok := h.subs[id]; ok {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub(snap)
	}
}

// snapshotLocked copies the state; callers hold mu.
func (h *Holder) snapshotLocked() Session {
	accounts := make(map[chain.ID]Account, len(h.accounts))
	for id, acct := range h.accounts {
		if acct.PublicKey != nil {
			acct.PublicKey = append([]byte(nil), acct.PublicKey...)
		}
		accounts[id] = acct
	}

	var balance *uint64
	if h.balance != nil && accounts[chain.Bitcoin].Address != "" {
		b := *h.balance
		balance = &b
	}

	return Session{
		Accounts: accounts,
		Balance:  balance,
		Loading:  h.loading,
		Version:  h.version,
	}
}

var _ Manager = (*Holder)(nil)
