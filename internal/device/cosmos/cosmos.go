// Package cosmos is a client for the Ledger Cosmos app's secp256k1
// address command.
package cosmos

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/mrz1836/ledgerlink/internal/derivation"
	"github.com/mrz1836/ledgerlink/internal/device"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// APDU constants of the Cosmos app.
const (
	CLA            byte = 0x55
	InsGetAddrSecp byte = 0x04

	p1SilentAddress byte = 0x00
	p1ShowAddress   byte = 0x01
)

// PathDepth is the only path length the app accepts; PubKeySize is the
// length of the compressed key preceding the address in a reply.
const (
	PathDepth  = 5
	PubKeySize = 33

	maxHRPLength = 83
)

// App talks to the Cosmos app over a transport it does not own.
type App struct {
	transport device.Transport
}

// New binds an App to an open transport.
func New(t device.Transport) *App {
	return &App{transport: t}
}

// GetAddress returns the bech32 address and compressed public key for path
// under hrp. With display set, the device shows the address and waits for
// the user to approve it.
func (a *App) GetAddress(ctx context.Context, path derivation.Path, hrp string, display bool) (string, []byte, error) {
	data, err := encodeAddressRequest(path, hrp)
	if err != nil {
		return "", nil, err
	}

	p1 := p1SilentAddress
	if display {
		p1 = p1ShowAddress
	}

	resp, err := device.Call(ctx, a.transport, device.Command{CLA: CLA, INS: InsGetAddrSecp, P1: p1, Data: data})
	if err != nil {
		return "", nil, err
	}
	if err := resp.Err(); err != nil {
		return "", nil, err
	}
	return decodeAddressResponse(resp.Data)
}

func encodeAddressRequest(path derivation.Path, hrp string) ([]byte, error) {
	if path.Len() != PathDepth {
		return nil, linkerr.WithDetails(derivation.ErrInvalidPath, map[string]string{"path": path.String()})
	}
	if hrp == "" || len(hrp) > maxHRPLength {
		return nil, linkerr.WithDetails(linkerr.ErrInvalidInput, map[string]string{"hrp": hrp})
	}

	out := make([]byte, 0, 1+len(hrp)+4*PathDepth)
	out = append(out, byte(len(hrp)))
	out = append(out, hrp...)
	for _, seg := range path.Segments() {
		out = binary.LittleEndian.AppendUint32(out, seg)
	}
	return out, nil
}

func decodeAddressResponse(data []byte) (string, []byte, error) {
	if len(data) <= PubKeySize {
		return "", nil, linkerr.WithCause(linkerr.ErrProtocol, fmt.Errorf("address response too short: %d bytes", len(data)))
	}
	pubkey := make([]byte, PubKeySize)
	copy(pubkey, data[:PubKeySize])
	return string(data[PubKeySize:]), pubkey, nil
}
