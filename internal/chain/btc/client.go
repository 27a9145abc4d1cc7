// Package btc provides the Bitcoin testnet balance client backed by an
// Esplora-compatible API.
package btc

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mrz1836/ledgerlink/internal/chain"
	"github.com/mrz1836/ledgerlink/internal/netutil"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// DefaultBaseURL is the public testnet Esplora API.
const DefaultBaseURL = "https://mempool.space/testnet/api"

// ClientOptions contains optional configuration for the Bitcoin client.
type ClientOptions struct {
	// BaseURL overrides DefaultBaseURL.
	BaseURL string

	// HTTP overrides the HTTP plumbing options.
	HTTP *netutil.ClientOptions
}

// Client queries address balances.
type Client struct {
	http *netutil.Client
}

// AddressStats is the Esplora per-address aggregate.
type AddressStats struct {
	FundedTxoCount int    `json:"funded_txo_count"`
	FundedTxoSum   uint64 `json:"funded_txo_sum"`
	SpentTxoCount  int    `json:"spent_txo_count"`
	SpentTxoSum    uint64 `json:"spent_txo_sum"`
	TxCount        int    `json:"tx_count"`
}

// AddressResponse is the Esplora GET /address/:address reply.
type AddressResponse struct {
	Address      string       `json:"address"`
	ChainStats   AddressStats `json:"chain_stats"`
	MempoolStats AddressStats `json:"mempool_stats"`
}

// Balance returns confirmed plus mempool funds minus spends, floored at zero.
func (r AddressResponse) Balance() uint64 {
	funded := r.ChainStats.FundedTxoSum + r.MempoolStats.FundedTxoSum
	spent := r.ChainStats.SpentTxoSum + r.MempoolStats.SpentTxoSum
	if spent > funded {
		return 0
	}
	return funded - spent
}

// NewClient creates a Bitcoin client.
func NewClient(opts *ClientOptions) (*Client, error) {
	baseURL := DefaultBaseURL
	var httpOpts *netutil.ClientOptions
	if opts != nil {
		if opts.BaseURL != "" {
			baseURL = opts.BaseURL
		}
		httpOpts = opts.HTTP
	}

	c, err := netutil.NewClient(baseURL, httpOpts)
	if err != nil {
		return nil, err
	}
	return &Client{http: c}, nil
}

// ID returns the chain identifier.
func (c *Client) ID() chain.ID {
	return chain.Bitcoin
}

// GetBalance returns the confirmed plus mempool balance of address in
// satoshis.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	if err := chain.ValidateAddress(chain.Bitcoin, address); err != nil {
		return 0, err
	}

	var resp AddressResponse
	if err := c.http.GetJSON(ctx, "/address/"+url.PathEscape(address), &resp); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if linkerr.Is(err, linkerr.ErrNetworkError) {
			return 0, err
		}
		return 0, linkerr.WithCause(linkerr.ErrNetworkError, fmt.Errorf("fetching balance: %w", err))
	}

	return resp.Balance(), nil
}
