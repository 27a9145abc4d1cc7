// Package devicetest provides in-memory and TCP fakes of a Ledger device
// for tests: a Transport that dispatches APDUs to a handler, and a server
// speaking the Speculos APDU protocol.
package devicetest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/mrz1836/ledgerlink/internal/device"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// Handler answers one command APDU with response data and a status word.
// A handler may block; ctx is done when the caller gives up.
type Handler func(ctx context.Context, cmd device.Command) ([]byte, uint16)

// DecodeCommand parses a raw short command APDU.
func DecodeCommand(raw []byte) (device.Command, error) {
	if len(raw) < 5 {
		return device.Command{}, fmt.Errorf("apdu too short: %d bytes", len(raw))
	}
	lc := int(raw[4])
	if len(raw) != 5+lc {
		return device.Command{}, fmt.Errorf("apdu length mismatch: lc=%d, %d data bytes", lc, len(raw)-5)
	}
	data := make([]byte, lc)
	copy(data, raw[5:])
	return device.Command{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3], Data: data}, nil
}

// Encode appends the status word to data.
func Encode(data []byte, sw uint16) []byte {
	out := make([]byte, len(data)+2)
	copy(out, data)
	binary.BigEndian.PutUint16(out[len(data):], sw)
	return out
}

// Transport is an in-memory device.Transport.
type Transport struct {
	handler Handler

	mu       sync.Mutex
	closed   bool
	closes   int
	commands []device.Command
}

// NewTransport returns a Transport dispatching to h.
func NewTransport(h Handler) *Transport {
	return &Transport{handler: h}
}

// Exchange decodes apdu and runs the handler. Context cancellation closes
// the transport, matching the real transports.
func (t *Transport) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	cmd, err := DecodeCommand(apdu)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, linkerr.WithCause(linkerr.ErrDeviceUnavailable, device.ErrTransportClosed)
	}
	t.commands = append(t.commands, cmd)
	t.mu.Unlock()

	type result struct {
		data []byte
		sw   uint16
	}
	done := make(chan result, 1)
	go func() {
		data, sw := t.handler(ctx, cmd)
		done <- result{data, sw}
	}()

	select {
	case res := <-done:
		if ctx.Err() != nil {
			return nil, t.abort(ctx.Err())
		}
		return Encode(res.data, res.sw), nil
	case <-ctx.Done():
		return nil, t.abort(ctx.Err())
	}
}

func (t *Transport) abort(err error) error {
	_ = t.Close()
	if errors.Is(err, context.DeadlineExceeded) {
		return linkerr.WithCause(linkerr.ErrDeviceTimeout, err)
	}
	return linkerr.WithCause(linkerr.ErrUserCancelled, err)
}

// Close marks the transport closed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closes++
	return nil
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Closes returns how many times Close was called.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// Commands returns the commands received so far.
func (t *Transport) Commands() []device.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]device.Command, len(t.commands))
	copy(out, t.commands)
	return out
}

// Opener hands out fresh Transports bound to one handler and remembers
// them so tests can assert every one was closed.
type Opener struct {
	Handler Handler
	// Err, when set, is returned by Open instead of a transport.
	Err error

	mu         sync.Mutex
	transports []*Transport
}

// Open returns a new Transport or o.Err.
func (o *Opener) Open(ctx context.Context) (device.Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Err != nil {
		return nil, o.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, linkerr.WithCause(linkerr.ErrUserCancelled, err)
	}
	t := NewTransport(o.Handler)
	o.transports = append(o.transports, t)
	return t, nil
}

// Opened returns how many transports were handed out.
func (o *Opener) Opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.transports)
}

// AllClosed reports whether every transport handed out was closed.
func (o *Opener) AllClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.transports {
		if !t.Closed() {
			return false
		}
	}
	return true
}

// Last returns the most recent transport, or nil.
func (o *Opener) Last() *Transport {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.transports) == 0 {
		return nil
	}
	return o.transports[len(o.transports)-1]
}

// Server speaks the Speculos APDU-over-TCP protocol on a loopback port.
type Server struct {
	listener net.Listener
	handler  Handler
	wg       sync.WaitGroup
}

// NewServer starts a server answering with h.
func NewServer(h Handler) (*Server, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{listener: l, handler: h}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops accepting and waits for the accept loop to exit.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		var header [4]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		raw := make([]byte, binary.BigEndian.Uint32(header[:]))
		if _, err := io.ReadFull(conn, raw); err != nil {
			return
		}

		cmd, err := DecodeCommand(raw)
		if err != nil {
			return
		}
		data, sw := s.handler(ctx, cmd)

		reply := make([]byte, 4, 4+len(data)+2)
		binary.BigEndian.PutUint32(reply, uint32(len(data))) //nolint:gosec // test data
		reply = append(reply, Encode(data, sw)...)
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}
