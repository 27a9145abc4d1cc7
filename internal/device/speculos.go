package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// DefaultSpeculosAddr is the emulator's default APDU port.
const DefaultSpeculosAddr = "127.0.0.1:9999"

const maxSpeculosResponse = 1 << 16

// SpeculosOpener connects to the Speculos Ledger emulator over its APDU
// TCP port. Requests are framed as length(4, BE) + APDU; responses as
// length(4, BE) of the data + data + status word(2).
type SpeculosOpener struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

// NewSpeculosOpener returns an Opener for the emulator listening on addr.
func NewSpeculosOpener(addr string, timeout time.Duration) *SpeculosOpener {
	if addr == "" {
		addr = DefaultSpeculosAddr
	}
	return &SpeculosOpener{addr: addr, timeout: timeout}
}

// Addr returns the emulator address.
func (o *SpeculosOpener) Addr() string {
	return o.addr
}

// Open dials the emulator.
func (o *SpeculosOpener) Open(ctx context.Context) (Transport, error) {
	conn, err := o.dialer.DialContext(ctx, "tcp", o.addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, linkerr.WithCause(linkerr.ErrUserCancelled, ctxErr)
		}
		return nil, linkerr.WithSuggestion(
			linkerr.WithDetails(linkerr.WithCause(linkerr.ErrDeviceUnavailable, err), map[string]string{"addr": o.addr}),
			"start speculos with --apdu-port or switch device.transport to hid",
		)
	}
	return &speculosTransport{conn: conn, timeout: o.timeout}, nil
}

type speculosTransport struct {
	mu        sync.Mutex
	conn      net.Conn
	timeout   time.Duration
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (t *speculosTransport) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return nil, linkerr.WithCause(linkerr.ErrDeviceUnavailable, ErrTransportClosed)
	}
	return guardedExchange(ctx, t.timeout, func() { _ = t.Close() }, func() ([]byte, error) {
		return t.roundTrip(apdu)
	})
}

func (t *speculosTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *speculosTransport) roundTrip(apdu []byte) ([]byte, error) {
	frame := make([]byte, 4+len(apdu))
	binary.BigEndian.PutUint32(frame, uint32(len(apdu))) //nolint:gosec // bounded by MaxAPDUData
	copy(frame[4:], apdu)
	if _, err := t.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("writing apdu: %w", err)
	}

	var header [4]byte
	if _, err := io.ReadFull(t.conn, header[:]); err != nil {
		return nil, fmt.Errorf("reading response length: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxSpeculosResponse {
		return nil, fmt.Errorf("response length %d out of range", size)
	}

	reply := make([]byte, int(size)+2)
	if _, err := io.ReadFull(t.conn, reply); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return reply, nil
}
