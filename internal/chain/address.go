package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"

	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// BabylonHRP is the bech32 human-readable prefix of Babylon addresses.
const BabylonHRP = "bbn"

// cosmosAddressLengths are the accepted decoded payload sizes: 20 bytes for
// account addresses, 32 bytes for module/contract addresses.
//
//nolint:gochecknoglobals // Constant lookup set
var cosmosAddressLengths = map[int]bool{20: true, 32: true}

// ErrInvalidAddress indicates an address does not match the chain's scheme.
var ErrInvalidAddress = &linkerr.LinkError{
	Code:     "INVALID_ADDRESS",
	Message:  "invalid address format",
	ExitCode: linkerr.ExitInput,
}

// BitcoinParams returns the network parameters used for Bitcoin addresses.
// Coin type 1 addresses are testnet encoded (tb1...).
func BitcoinParams() *chaincfg.Params {
	return &chaincfg.TestNet3Params
}

// ValidateAddress checks that address matches the address scheme of id.
func ValidateAddress(id ID, address string) error {
	switch id {
	case BabylonCosmos:
		return validateBabylonAddress(address)
	case Bitcoin:
		return validateTaprootAddress(address)
	default:
		return linkerr.WithDetails(linkerr.ErrUnsupportedChain, map[string]string{"chain": string(id)})
	}
}

func validateBabylonAddress(address string) error {
	hrp, data, err := bech32.Decode(address)
	if err != nil {
		return linkerr.WithCause(ErrInvalidAddress, err)
	}
	if hrp != BabylonHRP {
		return linkerr.WithCause(ErrInvalidAddress, fmt.Errorf("prefix %q, want %q", hrp, BabylonHRP))
	}

	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return linkerr.WithCause(ErrInvalidAddress, err)
	}
	if !cosmosAddressLengths[len(payload)] {
		return linkerr.WithCause(ErrInvalidAddress, fmt.Errorf("payload length %d", len(payload)))
	}
	return nil
}

func validateTaprootAddress(address string) error {
	params := BitcoinParams()

	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return linkerr.WithCause(ErrInvalidAddress, err)
	}
	if !decoded.IsForNet(params) {
		return linkerr.WithCause(ErrInvalidAddress, fmt.Errorf("address is not for %s", params.Name))
	}
	if _, ok := decoded.(*btcutil.AddressTaproot); !ok {
		return linkerr.WithCause(ErrInvalidAddress, fmt.Errorf("%T is not a taproot address", decoded))
	}
	return nil
}
