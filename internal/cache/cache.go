// Package cache remembers the accounts of earlier connections. A later
// run restores them into a session.Holder so a device that now derives a
// different account is reported as an account change.
package cache

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/mrz1836/ledgerlink/internal/chain"
	"github.com/mrz1836/ledgerlink/internal/session"
)

// DefaultStaleness is how long a cached balance is shown before it must
// be fetched again.
const DefaultStaleness = 5 * time.Minute

// DefaultMaxAge is how long an account is remembered without a new
// connect.
const DefaultMaxAge = 90 * 24 * time.Hour

// FileName is the cache file inside the ledgerlink home.
const FileName = "accounts.json"

// AccountEntry is one remembered account.
type AccountEntry struct {
	Chain       chain.ID  `json:"chain"`
	Address     string    `json:"address"`
	PublicKey   string    `json:"public_key,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// BalanceEntry is the last Bitcoin balance and the address it belongs to.
type BalanceEntry struct {
	Address   string    `json:"address"`
	Satoshis  uint64    `json:"satoshis"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccountCache holds remembered accounts keyed by chain.
type AccountCache struct {
	mu       sync.RWMutex              `json:"-"`
	Accounts map[chain.ID]AccountEntry `json:"accounts"`
	Balance  *BalanceEntry             `json:"balance,omitempty"`

	now func() time.Time
}

// New creates an empty cache.
func New() *AccountCache {
	return &AccountCache{
		Accounts: make(map[chain.ID]AccountEntry),
		now:      time.Now,
	}
}

// Get returns the account remembered for id.
func (c *AccountCache) Get(id chain.ID) (AccountEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.Accounts[id]
	return entry, ok
}

// Set remembers entry, replacing any account on the same chain. A new
// Bitcoin address drops the cached balance.
func (c *AccountCache) Set(entry AccountEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.Chain == chain.Bitcoin && c.Balance != nil && c.Balance.Address != entry.Address {
		c.Balance = nil
	}
	c.Accounts[entry.Chain] = entry
}

// SetBalance remembers sat as the balance of the cached Bitcoin account.
// It reports false when no Bitcoin account is cached.
func (c *AccountCache) SetBalance(sat uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	btc, ok := c.Accounts[chain.Bitcoin]
	if !ok {
		return false
	}
	c.Balance = &BalanceEntry{Address: btc.Address, Satoshis: sat, UpdatedAt: c.now()}
	return true
}

// IsStale reports whether a balance is cached but older than staleness.
func (c *AccountCache) IsStale(staleness time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.Balance != nil && c.now().Sub(c.Balance.UpdatedAt) > staleness
}

// Clear forgets everything.
func (c *AccountCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Accounts = make(map[chain.ID]AccountEntry)
	c.Balance = nil
}

// Size returns the number of remembered accounts.
func (c *AccountCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.Accounts)
}

// Prune forgets accounts connected more than maxAge ago and returns how
// many were removed.
func (c *AccountCache) Prune(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-maxAge)
	removed := 0
	for id, entry := range c.Accounts {
		if entry.ConnectedAt.Before(cutoff) {
			delete(c.Accounts, id)
			removed++
			if id == chain.Bitcoin {
				c.Balance = nil
			}
		}
	}
	return removed
}

// Session converts the cache for session.Holder.Restore. Unknown chains
// and undecodable keys are skipped; the balance is included only when it
// is younger than staleness and belongs to the cached Bitcoin address.
func (c *AccountCache) Session(staleness time.Duration) session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := session.Session{Accounts: make(map[chain.ID]session.Account, len(c.Accounts))}
	for id, entry := range c.Accounts {
		if !id.IsValid() || entry.Address == "" {
			continue
		}
		pub, err := hex.DecodeString(entry.PublicKey)
		if err != nil {
			continue
		}
		if len(pub) == 0 {
			pub = nil
		}
		s.Accounts[id] = session.Account{
			Chain:       id,
			Address:     entry.Address,
			PublicKey:   pub,
			ConnectedAt: entry.ConnectedAt,
		}
	}

	if b := c.Balance; b != nil && b.Address == s.Address(chain.Bitcoin) && c.now().Sub(b.UpdatedAt) <= staleness {
		sat := b.Satoshis
		s.Balance = &sat
	}
	return s
}
