// Package chain provides chain identifiers and common chain utilities.
package chain

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// ID represents a supported chain.
type ID string

// Supported chain identifiers.
const (
	BabylonCosmos ID = "bbn"
	Bitcoin       ID = "btc"
)

// BIP44 purposes and SLIP-44 coin types for derivation paths.
const (
	PurposeBIP44       uint32 = 44
	PurposeBIP86       uint32 = 86
	CoinTypeCosmos     uint32 = 118
	CoinTypeBTCTestnet uint32 = 1
)

// maxSuggestionDistance is the largest edit distance for which an unknown
// chain name gets a "did you mean" suggestion.
const maxSuggestionDistance = 3

//nolint:gochecknoglobals // Lookup table for chain name aliases
var aliases = map[string]ID{
	"bbn":     BabylonCosmos,
	"babylon": BabylonCosmos,
	"cosmos":  BabylonCosmos,
	"btc":     Bitcoin,
	"bitcoin": Bitcoin,
	"tbtc":    Bitcoin,
}

// All returns every supported chain in display order.
func All() []ID {
	return []ID{BabylonCosmos, Bitcoin}
}

// Purpose returns the BIP43 purpose used on this chain.
func (id ID) Purpose() uint32 {
	switch id {
	case BabylonCosmos:
		return PurposeBIP44
	case Bitcoin:
		return PurposeBIP86
	default:
		return 0
	}
}

// CoinType returns the SLIP-44 coin type for a chain.
func (id ID) CoinType() uint32 {
	switch id {
	case BabylonCosmos:
		return CoinTypeCosmos
	case Bitcoin:
		return CoinTypeBTCTestnet
	default:
		return 0
	}
}

// DisplayName returns a human-readable name for the chain.
func (id ID) DisplayName() string {
	switch id {
	case BabylonCosmos:
		return "Babylon testnet"
	case Bitcoin:
		return "Bitcoin testnet"
	default:
		return string(id)
	}
}

// HasBalance reports whether balances are tracked for this chain.
func (id ID) HasBalance() bool {
	return id == Bitcoin
}

// String returns the chain identifier string.
func (id ID) String() string {
	return string(id)
}

// IsValid returns true if the chain ID is a known chain.
func (id ID) IsValid() bool {
	switch id {
	case BabylonCosmos, Bitcoin:
		return true
	default:
		return false
	}
}

// ParseChainID parses a string into a chain ID. Aliases such as "babylon"
// and "bitcoin" are accepted. Unknown names yield ErrUnsupportedChain with a
// suggestion when the input is close to a known name.
func ParseChainID(s string) (ID, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if id, ok := aliases[name]; ok {
		return id, nil
	}

	err := linkerr.WithDetails(linkerr.ErrUnsupportedChain, map[string]string{"chain": s})
	if suggestion := suggestChain(name); suggestion != "" {
		return "", linkerr.WithSuggestion(err, fmt.Sprintf("did you mean %q?", suggestion))
	}
	return "", linkerr.WithSuggestion(err, "supported chains: "+strings.Join(chainNames(), ", "))
}

// suggestChain returns the alias closest to name, or "" if none is close.
func suggestChain(name string) string {
	if name == "" {
		return ""
	}

	keys := make([]string, 0, len(aliases))
	for k := range aliases {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best, bestDist := "", math.MaxInt
	for _, k := range keys {
		if d := levenshtein.ComputeDistance(name, k); d < bestDist {
			best, bestDist = k, d
		}
	}
	if bestDist <= maxSuggestionDistance {
		return best
	}
	return ""
}

func chainNames() []string {
	ids := All()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.String()
	}
	return names
}

// BalanceReader provides balance querying capabilities.
type BalanceReader interface {
	// GetBalance retrieves the balance of an address in the smallest unit.
	GetBalance(ctx context.Context, address string) (uint64, error)
}
