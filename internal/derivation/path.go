// Package derivation maps chains to their canonical BIP32 derivation paths
// and builds the Taproot wallet policy registered with the Bitcoin app.
// Everything here is pure data transformation.
package derivation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tyler-smith/go-bip32"

	"github.com/mrz1836/ledgerlink/internal/chain"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// Hardened is the offset added to a hardened path segment.
const Hardened = bip32.FirstHardenedChild

// Account, change and address index of the single supported account.
const (
	DefaultAccount uint32 = 0
	DefaultChange  uint32 = 0
	DefaultIndex   uint32 = 0
)

// CosmosPrefix is the bech32 prefix requested from the Cosmos app.
const CosmosPrefix = chain.BabylonHRP

// ErrInvalidPath indicates a derivation path string could not be parsed.
var ErrInvalidPath = &linkerr.LinkError{
	Code:     "INVALID_PATH",
	Message:  "invalid derivation path",
	ExitCode: linkerr.ExitInput,
}

// Path is a BIP32 derivation path. Hardened segments carry the Hardened
// offset. A Path is never mutated after construction; accessors copy.
type Path []uint32

// NewPath builds a path from raw segments.
func NewPath(segments ...uint32) Path {
	p := make(Path, len(segments))
	copy(p, segments)
	return p
}

// H returns the hardened form of index.
func H(index uint32) uint32 {
	return index + Hardened
}

// PathFor returns the canonical path of the single supported account on id.
//
//	bbn: m/44'/118'/0'/0/0
//	btc: m/86'/1'/0'
func PathFor(id chain.ID) (Path, error) {
	switch id {
	case chain.BabylonCosmos:
		return NewPath(H(id.Purpose()), H(id.CoinType()), H(DefaultAccount), DefaultChange, DefaultIndex), nil
	case chain.Bitcoin:
		return NewPath(H(id.Purpose()), H(id.CoinType()), H(DefaultAccount)), nil
	default:
		return nil, linkerr.WithDetails(linkerr.ErrUnsupportedChain, map[string]string{"chain": string(id)})
	}
}

// MustPathFor is PathFor for chains known to be valid.
func MustPathFor(id chain.ID) Path {
	p, err := PathFor(id)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePath parses "m/86'/1'/0'" style paths. The leading "m/" is optional
// and hardened segments may be marked with ', h or H.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "m"), "/")
	if s == "" {
		return Path{}, nil
	}

	parts := strings.Split(s, "/")
	p := make(Path, 0, len(parts))
	for _, part := range parts {
		hardened := false
		if n := len(part); n > 0 && (part[n-1] == '\'' || part[n-1] == 'h' || part[n-1] == 'H') {
			hardened = true
			part = part[:n-1]
		}

		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil || uint32(v) >= Hardened {
			return nil, linkerr.WithDetails(ErrInvalidPath, map[string]string{"path": s})
		}

		seg := uint32(v)
		if hardened {
			seg = H(seg)
		}
		p = append(p, seg)
	}
	return p, nil
}

// Segments returns a copy of the raw segments.
func (p Path) Segments() []uint32 {
	out := make([]uint32, len(p))
	copy(out, p)
	return out
}

// Len returns the depth of the path.
func (p Path) Len() int {
	return len(p)
}

// Equal reports whether two paths have identical segments.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Origin renders the path without the "m/" prefix, e.g. 86'/1'/0'.
// This is the form used inside a descriptor key origin.
func (p Path) Origin() string {
	var b strings.Builder
	for i, seg := range p {
		if i > 0 {
			b.WriteByte('/')
		}
		if seg >= Hardened {
			fmt.Fprintf(&b, "%d'", seg-Hardened)
		} else {
			fmt.Fprintf(&b, "%d", seg)
		}
	}
	return b.String()
}

// String renders the path with the "m/" prefix.
func (p Path) String() string {
	if len(p) == 0 {
		return "m"
	}
	return "m/" + p.Origin()
}
