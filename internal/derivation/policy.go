package derivation

import (
	"encoding/hex"
	"fmt"
	"strings"

	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// TaprootDescriptorTemplate is the single-key Taproot descriptor template.
const TaprootDescriptorTemplate = "tr(@0/**)"

// FingerprintSize is the length of a BIP32 key fingerprint.
const FingerprintSize = 4

// Fingerprint identifies the device master key.
type Fingerprint [FingerprintSize]byte

// String renders the fingerprint as lowercase hex.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ParseFingerprint parses an 8 character hex fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != FingerprintSize {
		return f, linkerr.WithDetails(linkerr.ErrInvalidInput, map[string]string{"fingerprint": s})
	}
	copy(f[:], raw)
	return f, nil
}

// WalletPolicy is a wallet output descriptor policy: a descriptor template
// plus the key information its placeholders refer to. The fingerprint and
// extended public key must come from the same device session that later
// derives the address.
type WalletPolicy struct {
	Name               string
	DescriptorTemplate string
	Fingerprint        Fingerprint
	Path               Path
	ExtendedPubkey     string
}

// BuildWalletPolicy assembles the default Taproot policy tr(@0/**) with key
// origin [<fingerprint>/<path>]<extendedPubkey>.
func BuildWalletPolicy(fingerprint Fingerprint, path Path, extendedPubkey string) *WalletPolicy {
	return &WalletPolicy{
		DescriptorTemplate: TaprootDescriptorTemplate,
		Fingerprint:        fingerprint,
		Path:               NewPath(path...),
		ExtendedPubkey:     extendedPubkey,
	}
}

// KeyInfo returns the key origin string of the policy's only key.
func (w *WalletPolicy) KeyInfo() string {
	return fmt.Sprintf("[%s/%s]%s", w.Fingerprint, w.Path.Origin(), w.ExtendedPubkey)
}

// Keys returns the key information list referenced by @0, @1, ...
func (w *WalletPolicy) Keys() []string {
	return []string{w.KeyInfo()}
}

// Descriptor expands the template with the key information, e.g.
// tr([f0f0f0f0/86'/1'/0']tpub.../**).
func (w *WalletPolicy) Descriptor() string {
	return strings.Replace(w.DescriptorTemplate, "@0", w.KeyInfo(), 1)
}

// IsDefault reports whether the policy is a default (unnamed, unregistered)
// policy that needs no registration HMAC.
func (w *WalletPolicy) IsDefault() bool {
	return w.Name == "" && w.DescriptorTemplate == TaprootDescriptorTemplate
}
