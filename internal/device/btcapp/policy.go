package btcapp

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/mrz1836/ledgerlink/internal/derivation"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// PolicyVersion is the wallet policy serialization version (v2: the
// template is committed to by hash).
const PolicyVersion byte = 0x02

// MaxPolicyNameLength is the longest name a registered policy may carry.
const MaxPolicyNameLength = 64

// SerializePolicy encodes a wallet policy the way the app commits to it:
//
//	version(1) | len(name)(1) | name | varint(len(template)) |
//	sha256(template) | varint(n keys) | merkle root of keys
func SerializePolicy(p *derivation.WalletPolicy) ([]byte, error) {
	if len(p.Name) > MaxPolicyNameLength {
		return nil, linkerr.WithDetails(linkerr.ErrInvalidInput, map[string]string{"policy_name": p.Name})
	}

	var buf bytes.Buffer
	buf.WriteByte(PolicyVersion)
	buf.WriteByte(byte(len(p.Name)))
	buf.WriteString(p.Name)

	template := []byte(p.DescriptorTemplate)
	if err := wire.WriteVarInt(&buf, 0, uint64(len(template))); err != nil {
		return nil, fmt.Errorf("encoding template length: %w", err)
	}
	templateHash := sha256.Sum256(template)
	buf.Write(templateHash[:])

	keys := policyKeys(p)
	if err := wire.WriteVarInt(&buf, 0, uint64(len(keys))); err != nil {
		return nil, fmt.Errorf("encoding key count: %w", err)
	}
	root := NewMerkleTreeFromElements(keys).Root()
	buf.Write(root[:])

	return buf.Bytes(), nil
}

// WalletID is sha256 of the serialized policy.
func WalletID(p *derivation.WalletPolicy) (Hash, error) {
	raw, err := SerializePolicy(p)
	if err != nil {
		return Hash{}, err
	}
	return sha256.Sum256(raw), nil
}

func policyKeys(p *derivation.WalletPolicy) [][]byte {
	infos := p.Keys()
	keys := make([][]byte, len(infos))
	for i, k := range infos {
		keys[i] = []byte(k)
	}
	return keys
}
