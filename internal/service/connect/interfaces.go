// Package connect derives chain addresses from a Ledger device and records
// them in the connection session. It is the boundary the CLI renders from.
package connect

import (
	"context"
	"time"

	"github.com/mrz1836/ledgerlink/internal/chain"
	"github.com/mrz1836/ledgerlink/internal/derivation"
	"github.com/mrz1836/ledgerlink/internal/device"
	"github.com/mrz1836/ledgerlink/internal/service/availability"
)

// SigningClient is a chain app bound to an open transport. Concrete
// clients also implement CosmosSigner or BitcoinSigner.
type SigningClient interface {
	Chain() chain.ID
}

// CosmosSigner is the Cosmos app surface used to derive an address.
type CosmosSigner interface {
	SigningClient
	GetAddress(ctx context.Context, path derivation.Path, hrp string, display bool) (string, []byte, error)
}

// BitcoinSigner is the Bitcoin app surface used to derive an address.
type BitcoinSigner interface {
	SigningClient
	GetMasterFingerprint(ctx context.Context) (derivation.Fingerprint, error)
	GetExtendedPubkey(ctx context.Context, path derivation.Path, display bool) (string, error)
	GetWalletAddress(ctx context.Context, policy *derivation.WalletPolicy, hmac []byte, change bool, index uint32, display bool) (string, error)
}

// Binder binds a chain client to a transport.
type Binder func(t device.Transport, id chain.ID) (SigningClient, error)

// Gate decides whether a connection attempt may start.
type Gate interface {
	CanConnect(ctx context.Context) availability.Decision
	Status(ctx context.Context) availability.Status
}

// Recorder receives connection metrics.
type Recorder interface {
	RecordConnect(chain string, err error)
	RecordExchange(duration time.Duration, err error)
	RecordBalanceFetch(err error)
}

// LogWriter provides logging capabilities.
type LogWriter interface {
	Debug(format string, args ...interface{})
	Error(format string, args ...interface{})
}
