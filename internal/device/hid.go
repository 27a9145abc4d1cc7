package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/karalabe/usb"

	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// Ledger USB identifiers and HID framing constants.
const (
	LedgerVendorID  uint16 = 0x2c97
	ledgerUsagePage uint16 = 0xffa0
	ledgerInterface        = 0

	hidPacketSize        = 64
	hidChannel    uint16 = 0x0101
	hidTagAPDU    byte   = 0x05
	hidHeaderSize        = 5
)

// Info describes an attached Ledger device.
type Info struct {
	Path         string `json:"path"`
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
	Serial       string `json:"serial,omitempty"`
	ProductID    uint16 `json:"product_id"`
}

// HIDOpener opens the first Ledger found on the USB bus.
type HIDOpener struct {
	timeout   time.Duration
	supported func() bool
	enumerate func(vendorID, productID uint16) ([]usb.DeviceInfo, error)
	open      func(info usb.DeviceInfo) (io.ReadWriteCloser, error)
}

// NewHIDOpener returns an Opener backed by the system USB stack.
// timeout bounds every exchange on transports it opens.
func NewHIDOpener(timeout time.Duration) *HIDOpener {
	return &HIDOpener{
		timeout:   timeout,
		supported: usb.Supported,
		enumerate: usb.Enumerate,
		open: func(info usb.DeviceInfo) (io.ReadWriteCloser, error) {
			return info.Open()
		},
	}
}

// List returns every attached Ledger.
func (o *HIDOpener) List() ([]Info, error) {
	infos, err := o.ledgers()
	if err != nil {
		return nil, err
	}
	out := make([]Info, len(infos))
	for i, info := range infos {
		out[i] = Info{
			Path:         info.Path,
			Manufacturer: info.Manufacturer,
			Product:      info.Product,
			Serial:       info.Serial,
			ProductID:    info.ProductID,
		}
	}
	return out, nil
}

// Open claims the first attached Ledger.
func (o *HIDOpener) Open(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, linkerr.WithCause(linkerr.ErrUserCancelled, err)
	}

	infos, err := o.ledgers()
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, linkerr.WithSuggestion(linkerr.ErrDeviceUnavailable,
			"connect your Ledger over USB and unlock it")
	}

	dev, err := o.open(infos[0])
	if err != nil {
		return nil, linkerr.WithSuggestion(
			linkerr.WithDetails(linkerr.WithCause(linkerr.ErrDeviceUnavailable, err), map[string]string{"path": infos[0].Path}),
			"close other applications using the Ledger (Ledger Live, browser wallets)",
		)
	}

	// The user may have backed out while the device was being claimed.
	if err := ctx.Err(); err != nil {
		_ = dev.Close()
		return nil, linkerr.WithCause(linkerr.ErrUserCancelled, err)
	}

	return newHIDTransport(dev, o.timeout), nil
}

func (o *HIDOpener) ledgers() ([]usb.DeviceInfo, error) {
	if !o.supported() {
		return nil, linkerr.WithSuggestion(linkerr.ErrDeviceUnavailable,
			"this build has no USB support; use the speculos transport")
	}

	all, err := o.enumerate(LedgerVendorID, 0)
	if err != nil {
		return nil, linkerr.WithCause(linkerr.ErrDeviceUnavailable, err)
	}

	var infos []usb.DeviceInfo
	for _, info := range all {
		// Ledgers expose several interfaces; only the APDU one is wanted.
		if info.UsagePage == ledgerUsagePage || info.Interface == ledgerInterface {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

type hidTransport struct {
	mu        sync.Mutex
	dev       io.ReadWriteCloser
	timeout   time.Duration
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newHIDTransport(dev io.ReadWriteCloser, timeout time.Duration) *hidTransport {
	return &hidTransport{dev: dev, timeout: timeout}
}

func (t *hidTransport) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return nil, linkerr.WithCause(linkerr.ErrDeviceUnavailable, ErrTransportClosed)
	}
	return guardedExchange(ctx, t.timeout, func() { _ = t.Close() }, func() ([]byte, error) {
		return t.roundTrip(apdu)
	})
}

func (t *hidTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.dev.Close()
	})
	return t.closeErr
}

func (t *hidTransport) roundTrip(apdu []byte) ([]byte, error) {
	for _, packet := range frameHID(hidChannel, apdu) {
		if _, err := t.dev.Write(packet); err != nil {
			return nil, fmt.Errorf("writing hid packet: %w", err)
		}
	}

	r := newHIDReassembler(hidChannel)
	buf := make([]byte, hidPacketSize)
	for {
		n, err := t.dev.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading hid packet: %w", err)
		}
		done, err := r.feed(buf[:n])
		if err != nil {
			return nil, err
		}
		if done {
			return r.message(), nil
		}
	}
}

// frameHID splits an APDU into 64-byte HID packets. Each packet starts
// with channel(2) tag(1) sequence(2); the first also carries the total
// APDU length(2). Packets are zero padded.
func frameHID(channel uint16, apdu []byte) [][]byte {
	payload := make([]byte, 2+len(apdu))
	binary.BigEndian.PutUint16(payload, uint16(len(apdu))) //nolint:gosec // APDUs are far below 64KiB
	copy(payload[2:], apdu)

	var packets [][]byte
	for seq := uint16(0); len(payload) > 0; seq++ {
		packet := make([]byte, hidPacketSize)
		binary.BigEndian.PutUint16(packet[0:2], channel)
		packet[2] = hidTagAPDU
		binary.BigEndian.PutUint16(packet[3:5], seq)
		n := copy(packet[hidHeaderSize:], payload)
		payload = payload[n:]
		packets = append(packets, packet)
	}
	return packets
}

// hidReassembler rebuilds a response message from HID packets.
type hidReassembler struct {
	channel uint16
	seq     uint16
	total   int
	buf     []byte
}

func newHIDReassembler(channel uint16) *hidReassembler {
	return &hidReassembler{channel: channel}
}

// feed consumes one packet and reports whether the message is complete.
func (r *hidReassembler) feed(packet []byte) (bool, error) {
	if len(packet) < hidHeaderSize {
		return false, fmt.Errorf("hid packet too short: %d bytes", len(packet))
	}
	if ch := binary.BigEndian.Uint16(packet[0:2]); ch != r.channel {
		return false, fmt.Errorf("hid channel mismatch: got %04x want %04x", ch, r.channel)
	}
	if packet[2] != hidTagAPDU {
		return false, fmt.Errorf("hid tag mismatch: got %02x", packet[2])
	}
	if seq := binary.BigEndian.Uint16(packet[3:5]); seq != r.seq {
		return false, fmt.Errorf("hid sequence mismatch: got %d want %d", seq, r.seq)
	}

	data := packet[hidHeaderSize:]
	if r.seq == 0 {
		if len(data) < 2 {
			return false, fmt.Errorf("hid first packet missing length")
		}
		r.total = int(binary.BigEndian.Uint16(data[:2]))
		r.buf = make([]byte, 0, r.total)
		data = data[2:]
	}
	r.seq++

	if remaining := r.total - len(r.buf); len(data) > remaining {
		data = data[:remaining]
	}
	r.buf = append(r.buf, data...)
	return len(r.buf) == r.total, nil
}

func (r *hidReassembler) message() []byte {
	return r.buf
}
