// Package device provides the transports used to talk to a Ledger signing
// device: USB HID for real hardware and APDU-over-TCP for the Speculos
// emulator. Transports move raw APDUs; the app packages give them meaning.
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// Status words returned by Ledger apps.
const (
	SWOK                 uint16 = 0x9000
	SWDenied             uint16 = 0x6985
	SWNotAllowed         uint16 = 0x6986
	SWWrongCLA           uint16 = 0x6E00
	SWWrongINS           uint16 = 0x6D00
	SWAppNotOpen         uint16 = 0x6E01
	SWDashboardOpen      uint16 = 0x6511
	SWLocked             uint16 = 0x5515
	SWInterruptedExecute uint16 = 0xE000
)

// MaxAPDUData is the largest payload a short APDU can carry.
const MaxAPDUData = 255

// DefaultExchangeTimeout bounds a single round-trip. Round-trips that
// display on the device wait for a human, so the bound is generous.
const DefaultExchangeTimeout = 2 * time.Minute

// Transport is an open channel to a signing device. A Transport is owned
// by exactly one caller at a time and must be closed when done.
type Transport interface {
	// Exchange sends a command APDU and returns the raw response,
	// status word included.
	Exchange(ctx context.Context, apdu []byte) ([]byte, error)
	// Close releases the device. Calling Close twice is safe.
	Close() error
}

// Opener negotiates a new Transport, e.g. by locating a USB device.
type Opener interface {
	Open(ctx context.Context) (Transport, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context) (Transport, error)

// Open calls f(ctx).
func (f OpenerFunc) Open(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// Command is a short command APDU.
type Command struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
}

// Bytes encodes the command as CLA INS P1 P2 Lc Data.
func (c Command) Bytes() ([]byte, error) {
	if len(c.Data) > MaxAPDUData {
		return nil, fmt.Errorf("apdu data too long: %d bytes", len(c.Data))
	}
	out := make([]byte, 0, 5+len(c.Data))
	out = append(out, c.CLA, c.INS, c.P1, c.P2, byte(len(c.Data)))
	return append(out, c.Data...), nil
}

// Response is a decoded response APDU.
type Response struct {
	Data []byte
	SW   uint16
}

// ParseResponse splits a raw response into its data and status word.
func ParseResponse(raw []byte) (Response, error) {
	if len(raw) < 2 {
		return Response{}, linkerr.WithCause(linkerr.ErrProtocol, fmt.Errorf("response too short: %d bytes", len(raw)))
	}
	n := len(raw) - 2
	return Response{
		Data: raw[:n],
		SW:   binary.BigEndian.Uint16(raw[n:]),
	}, nil
}

// Err maps a non-success status word to an error of the failure taxonomy.
func (r Response) Err() error {
	return StatusError(r.SW)
}

// Call encodes cmd, exchanges it over t and decodes the response. The
// status word is not interpreted; use Response.Err for that.
func Call(ctx context.Context, t Transport, cmd Command) (Response, error) {
	raw, err := cmd.Bytes()
	if err != nil {
		return Response{}, linkerr.WithCause(linkerr.ErrProtocol, err)
	}
	reply, err := t.Exchange(ctx, raw)
	if err != nil {
		return Response{}, err
	}
	return ParseResponse(reply)
}

// StatusWordError carries a raw status word as the cause of a mapped error.
type StatusWordError struct {
	SW uint16
}

func (e *StatusWordError) Error() string {
	return fmt.Sprintf("status word 0x%04X", e.SW)
}

// StatusError maps a status word to the failure taxonomy. 0x9000 maps to
// nil. The original status word is reachable with errors.As.
func StatusError(sw uint16) error {
	cause := &StatusWordError{SW: sw}
	details := map[string]string{"status": fmt.Sprintf("%04X", sw)}

	switch sw {
	case SWOK:
		return nil
	case SWDenied, SWNotAllowed:
		return linkerr.WithDetails(linkerr.WithCause(linkerr.ErrUserRejected, cause), details)
	case SWWrongCLA, SWWrongINS, SWAppNotOpen, SWDashboardOpen:
		return linkerr.WithSuggestion(
			linkerr.WithDetails(linkerr.WithCause(linkerr.ErrDeviceUnavailable, cause), details),
			"open the matching app on your Ledger and try again",
		)
	case SWLocked:
		return linkerr.WithSuggestion(
			linkerr.WithDetails(linkerr.WithCause(linkerr.ErrDeviceUnavailable, cause), details),
			"unlock your Ledger and try again",
		)
	default:
		return linkerr.WithDetails(linkerr.WithCause(linkerr.ErrProtocol, cause), details)
	}
}

// StatusWord extracts the raw status word from an error, if it carries one.
func StatusWord(err error) (uint16, bool) {
	var swErr *StatusWordError
	if errors.As(err, &swErr) {
		return swErr.SW, true
	}
	return 0, false
}

// ErrTransportClosed is returned by Exchange after Close.
var ErrTransportClosed = errors.New("transport closed")

// exchangeResult is the outcome of one blocking round-trip.
type exchangeResult struct {
	reply []byte
	err   error
}

// guardedExchange runs a blocking round-trip and abandons it when ctx ends
// or timeout elapses. Abandoning closes the device through abort so the
// blocked reader returns; the transport is unusable afterwards.
func guardedExchange(ctx context.Context, timeout time.Duration, abort func(), roundTrip func() ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}

	done := make(chan exchangeResult, 1)
	go func() {
		reply, err := roundTrip()
		done <- exchangeResult{reply: reply, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, linkerr.WithCause(linkerr.ErrDeviceUnavailable, res.err)
		}
		return res.reply, nil
	case <-ctx.Done():
		abort()
		return nil, contextError(ctx.Err())
	case <-timer.C:
		abort()
		return nil, linkerr.WithDetails(linkerr.ErrDeviceTimeout, map[string]string{"timeout": timeout.String()})
	}
}

// contextError maps a context error: cancellation is the user backing out,
// an expired deadline is a device that never answered.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return linkerr.WithCause(linkerr.ErrDeviceTimeout, err)
	}
	return linkerr.WithCause(linkerr.ErrUserCancelled, err)
}
