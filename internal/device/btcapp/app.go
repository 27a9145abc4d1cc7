// Package btcapp is a client for the Ledger Bitcoin app (protocol v1). It
// covers the commands needed to identify an account: master fingerprint,
// extended public key and wallet policy addresses. Requests that need data
// from the host are served by a client command interpreter.
package btcapp

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/mrz1836/ledgerlink/internal/derivation"
	"github.com/mrz1836/ledgerlink/internal/device"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// APDU constants of the Bitcoin app.
const (
	CLA          byte = 0xE1
	CLAFramework byte = 0xF8

	InsGetExtendedPubkey    byte = 0x00
	InsGetWalletAddress     byte = 0x03
	InsGetMasterFingerprint byte = 0x05
	InsContinue             byte = 0x01

	ProtocolVersion byte = 0x01
)

// MaxPathDepth is the deepest path the app derives.
const MaxPathDepth = 8

// App talks to the Bitcoin app over a transport it does not own.
type App struct {
	transport device.Transport
}

// New binds an App to an open transport.
func New(t device.Transport) *App {
	return &App{transport: t}
}

// GetMasterFingerprint returns the fingerprint of the device master key.
func (a *App) GetMasterFingerprint(ctx context.Context) (derivation.Fingerprint, error) {
	var fp derivation.Fingerprint

	data, err := a.request(ctx, InsGetMasterFingerprint, nil, nil)
	if err != nil {
		return fp, err
	}
	if len(data) != derivation.FingerprintSize {
		return fp, linkerr.WithCause(linkerr.ErrProtocol, fmt.Errorf("fingerprint is %d bytes", len(data)))
	}
	copy(fp[:], data)
	return fp, nil
}

// GetExtendedPubkey returns the serialized extended public key at path.
func (a *App) GetExtendedPubkey(ctx context.Context, path derivation.Path, display bool) (string, error) {
	if path.Len() > MaxPathDepth {
		return "", linkerr.WithDetails(derivation.ErrInvalidPath, map[string]string{"path": path.String()})
	}

	req := make([]byte, 0, 2+4*path.Len())
	req = append(req, boolByte(display), byte(path.Len()))
	for _, seg := range path.Segments() {
		req = binary.BigEndian.AppendUint32(req, seg)
	}

	data, err := a.request(ctx, InsGetExtendedPubkey, req, nil)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", linkerr.WithCause(linkerr.ErrProtocol, fmt.Errorf("empty extended public key"))
	}
	return string(data), nil
}

// GetWalletAddress returns the address at change/index of a wallet
// policy. hmac is the registration proof; nil is used for default
// policies, which need none.
func (a *App) GetWalletAddress(ctx context.Context, policy *derivation.WalletPolicy, hmac []byte, change bool, index uint32, display bool) (string, error) {
	if hmac == nil {
		hmac = make([]byte, HashSize)
	}
	if len(hmac) != HashSize {
		return "", linkerr.WithDetails(linkerr.ErrInvalidInput, map[string]string{"hmac_length": fmt.Sprint(len(hmac))})
	}

	serialized, err := SerializePolicy(policy)
	if err != nil {
		return "", err
	}
	walletID, err := WalletID(policy)
	if err != nil {
		return "", err
	}

	interp := newInterpreter()
	interp.addKnownPreimage(serialized)
	interp.addKnownPreimage([]byte(policy.DescriptorTemplate))
	interp.addKnownList(policyKeys(policy))

	req := make([]byte, 0, 1+2*HashSize+1+4)
	req = append(req, boolByte(display))
	req = append(req, walletID[:]...)
	req = append(req, hmac...)
	req = append(req, boolByte(change))
	req = binary.BigEndian.AppendUint32(req, index)

	data, err := a.request(ctx, InsGetWalletAddress, req, interp)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", linkerr.WithCause(linkerr.ErrProtocol, fmt.Errorf("empty wallet address"))
	}
	return string(data), nil
}

// request sends a command and keeps answering client commands until the
// app finishes. A nil interpreter means the command needs no host data.
func (a *App) request(ctx context.Context, ins byte, data []byte, interp *interpreter) ([]byte, error) {
	resp, err := device.Call(ctx, a.transport, device.Command{CLA: CLA, INS: ins, P2: ProtocolVersion, Data: data})
	if err != nil {
		return nil, err
	}

	for resp.SW == device.SWInterruptedExecute {
		if interp == nil {
			return nil, linkerr.WithCause(linkerr.ErrProtocol, fmt.Errorf("unexpected client command 0x%02X", firstByte(resp.Data)))
		}
		reply, execErr := interp.execute(resp.Data)
		if execErr != nil {
			return nil, linkerr.WithCause(linkerr.ErrProtocol, execErr)
		}
		resp, err = device.Call(ctx, a.transport, device.Command{CLA: CLAFramework, INS: InsContinue, Data: reply})
		if err != nil {
			return nil, err
		}
	}

	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
