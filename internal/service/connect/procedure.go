package connect

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"

	"github.com/mrz1836/ledgerlink/internal/chain"
	"github.com/mrz1836/ledgerlink/internal/derivation"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

var errPrivateKey = errors.New("device returned a private extended key")

// Procedure runs one address derivation per call: it opens a device
// session, drives the chain app and validates what the device returned.
// Nothing is recorded on failure.
type Procedure struct {
	negotiator *Negotiator
	observer   StateObserver
	logger     LogWriter
}

// NewProcedure creates a Procedure. observer and logger may be nil.
func NewProcedure(n *Negotiator, observer StateObserver, logger LogWriter) *Procedure {
	return &Procedure{negotiator: n, observer: observer, logger: logger}
}

// Derive derives the account address on id. The Bitcoin flow makes all of
// its device round-trips on a single transport, and the transport is
// closed before Derive returns.
func (p *Procedure) Derive(ctx context.Context, id chain.ID) (*Result, error) {
	path, err := derivation.PathFor(id)
	if err != nil {
		p.transition(id, StateFailed, err)
		return nil, err
	}

	p.transition(id, StateAwaitingTransport, nil)

	var result *Result
	err = p.negotiator.WithSession(ctx, id, func(client SigningClient) error {
		if client.Chain() != id {
			return linkerr.WithCause(linkerr.ErrProtocol, fmt.Errorf("bound %s client for %s", client.Chain(), id))
		}

		var deriveErr error
		switch c := client.(type) {
		case CosmosSigner:
			result, deriveErr = p.deriveCosmos(ctx, c, path)
		case BitcoinSigner:
			result, deriveErr = p.deriveBitcoin(ctx, c, path)
		default:
			deriveErr = linkerr.WithDetails(linkerr.ErrUnsupportedChain, map[string]string{"chain": string(id)})
		}
		return deriveErr
	})
	if err != nil {
		p.transition(id, StateFailed, err)
		return nil, err
	}

	p.transition(id, StateResolved, nil)
	return result, nil
}

func (p *Procedure) deriveCosmos(ctx context.Context, c CosmosSigner, path derivation.Path) (*Result, error) {
	p.transition(chain.BabylonCosmos, StateAwaitingDeviceConfirmation, nil)

	address, pubKey, err := c.GetAddress(ctx, path, derivation.CosmosPrefix, true)
	if err != nil {
		return nil, err
	}
	if err := verifyCosmosAccount(address, pubKey); err != nil {
		return nil, linkerr.WithCause(linkerr.ErrProtocol, err)
	}

	return &Result{
		Chain:     chain.BabylonCosmos,
		Address:   address,
		PublicKey: pubKey,
		Path:      path,
	}, nil
}

func (p *Procedure) deriveBitcoin(ctx context.Context, c BitcoinSigner, path derivation.Path) (*Result, error) {
	fingerprint, err := c.GetMasterFingerprint(ctx)
	if err != nil {
		return nil, err
	}
	p.debug("btc: master fingerprint %s", fingerprint)

	xpub, err := c.GetExtendedPubkey(ctx, path, false)
	if err != nil {
		return nil, err
	}
	account, err := parseAccountKey(xpub, path)
	if err != nil {
		return nil, linkerr.WithCause(linkerr.ErrProtocol, err)
	}

	policy := derivation.BuildWalletPolicy(fingerprint, path, xpub)
	p.debug("btc: wallet policy %s", policy.Descriptor())

	p.transition(chain.Bitcoin, StateAwaitingDeviceConfirmation, nil)

	address, err := c.GetWalletAddress(ctx, policy, nil, false, derivation.DefaultIndex, true)
	if err != nil {
		return nil, err
	}
	internalKey, err := verifyTaprootAddress(account, address)
	if err != nil {
		return nil, linkerr.WithCause(linkerr.ErrProtocol, err)
	}

	return &Result{
		Chain:     chain.Bitcoin,
		Address:   address,
		PublicKey: internalKey,
		Path:      path,
		Policy:    policy,
	}, nil
}

// verifyCosmosAccount checks that address is a Babylon address and that
// it commits to pubKey.
func verifyCosmosAccount(address string, pubKey []byte) error {
	if err := chain.ValidateAddress(chain.BabylonCosmos, address); err != nil {
		return err
	}
	if len(pubKey) != btcec.PubKeyBytesLenCompressed {
		return fmt.Errorf("public key is %d bytes, want compressed", len(pubKey))
	}
	if _, err := btcec.ParsePubKey(pubKey); err != nil {
		return fmt.Errorf("parsing public key: %w", err)
	}

	_, data, err := bech32.Decode(address)
	if err != nil {
		return err
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return err
	}
	if !bytes.Equal(payload, btcutil.Hash160(pubKey)) {
		return fmt.Errorf("address %s does not belong to the returned public key", address)
	}
	return nil
}

// parseAccountKey parses the account extended public key and checks it
// sits at path on the Bitcoin network in use.
func parseAccountKey(xpub string, path derivation.Path) (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("parsing extended public key: %w", err)
	}
	if key.IsPrivate() {
		return nil, errPrivateKey
	}
	if !key.IsForNet(chain.BitcoinParams()) {
		return nil, fmt.Errorf("extended public key is not for %s", chain.BitcoinParams().Name)
	}
	if err := derivation.CheckAccountKey(xpub, path); err != nil {
		return nil, err
	}
	return key, nil
}

// verifyTaprootAddress checks that address is the BIP86 key-path address
// of account at change 0 and the default index. It returns the compressed
// internal key.
func verifyTaprootAddress(account *hdkeychain.ExtendedKey, address string) ([]byte, error) {
	if err := chain.ValidateAddress(chain.Bitcoin, address); err != nil {
		return nil, err
	}

	key := account
	for _, seg := range []uint32{derivation.DefaultChange, derivation.DefaultIndex} {
		var err error
		if key, err = key.Derive(seg); err != nil {
			return nil, err
		}
	}
	internal, err := key.ECPubKey()
	if err != nil {
		return nil, err
	}

	output := txscript.ComputeTaprootKeyNoScript(internal)
	want, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(output), chain.BitcoinParams())
	if err != nil {
		return nil, err
	}
	if want.EncodeAddress() != address {
		return nil, fmt.Errorf("address %s does not match the account key", address)
	}
	return internal.SerializeCompressed(), nil
}

func (p *Procedure) transition(id chain.ID, state State, err error) {
	if err != nil {
		p.logError("%s: %s: %v", id, state, err)
	} else {
		p.debug("%s: %s", id, state)
	}
	if p.observer != nil {
		p.observer(Transition{Chain: id, State: state, Err: err})
	}
}

func (p *Procedure) debug(format string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Debug(format, args...)
	}
}

func (p *Procedure) logError(format string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Error(format, args...)
	}
}
