package connect

import (
	"context"
	"errors"
	"time"

	"github.com/mrz1836/ledgerlink/internal/chain"
	"github.com/mrz1836/ledgerlink/internal/device"
	"github.com/mrz1836/ledgerlink/internal/device/btcapp"
	"github.com/mrz1836/ledgerlink/internal/device/cosmos"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// errNoOpener is the cause reported when no transport is configured.
var errNoOpener = errors.New("no device transport configured")

// cosmosClient tags the Cosmos app as the Babylon signing client.
type cosmosClient struct {
	*cosmos.App
}

func (cosmosClient) Chain() chain.ID { return chain.BabylonCosmos }

// bitcoinClient tags the Bitcoin app as the Bitcoin signing client.
type bitcoinClient struct {
	*btcapp.App
}

func (bitcoinClient) Chain() chain.ID { return chain.Bitcoin }

// BindClient binds the app for id to t.
func BindClient(t device.Transport, id chain.ID) (SigningClient, error) {
	switch id {
	case chain.BabylonCosmos:
		return cosmosClient{cosmos.New(t)}, nil
	case chain.Bitcoin:
		return bitcoinClient{btcapp.New(t)}, nil
	default:
		return nil, linkerr.WithDetails(linkerr.ErrUnsupportedChain, map[string]string{"chain": string(id)})
	}
}

// Negotiator opens one transport per attempt and binds one client to it.
type Negotiator struct {
	opener   device.Opener
	bind     Binder
	recorder Recorder
	logger   LogWriter
}

// NegotiatorConfig contains dependencies for creating a Negotiator.
type NegotiatorConfig struct {
	Opener   device.Opener
	Binder   Binder // defaults to BindClient
	Recorder Recorder
	Logger   LogWriter
}

// NewNegotiator creates a Negotiator.
func NewNegotiator(cfg *NegotiatorConfig) *Negotiator {
	n := &Negotiator{
		opener:   cfg.Opener,
		bind:     cfg.Binder,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
	}
	if n.bind == nil {
		n.bind = BindClient
	}
	return n
}

// OpenTransport opens a transport to the device. It fails with
// DeviceUnavailable when no device answers and with UserCancelled when
// ctx is cancelled while waiting.
func (n *Negotiator) OpenTransport(ctx context.Context) (device.Transport, error) {
	if n.opener == nil {
		return nil, linkerr.WithCause(linkerr.ErrDeviceUnavailable, errNoOpener)
	}

	t, err := n.opener.Open(ctx)
	if err != nil {
		return nil, openError(ctx, err)
	}
	if n.recorder != nil {
		t = &meteredTransport{Transport: t, recorder: n.recorder}
	}
	return t, nil
}

// BindClient binds the client for id to t.
func (n *Negotiator) BindClient(t device.Transport, id chain.ID) (SigningClient, error) {
	return n.bind(t, id)
}

// WithSession opens a transport, binds the client for id and runs fn with
// it. The transport is closed on every return path, including a panic in
// fn. Unknown chains fail before any transport is opened.
func (n *Negotiator) WithSession(ctx context.Context, id chain.ID, fn func(SigningClient) error) error {
	if !id.IsValid() {
		return linkerr.WithDetails(linkerr.ErrUnsupportedChain, map[string]string{"chain": string(id)})
	}

	t, err := n.OpenTransport(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := t.Close(); closeErr != nil {
			n.debug("closing transport for %s: %v", id, closeErr)
		}
	}()

	client, err := n.BindClient(t, id)
	if err != nil {
		return err
	}
	return fn(client)
}

func (n *Negotiator) debug(format string, args ...interface{}) {
	if n.logger != nil {
		n.logger.Debug(format, args...)
	}
}

// openError maps an opener failure to the taxonomy.
func openError(ctx context.Context, err error) error {
	var le *linkerr.LinkError
	if errors.As(err, &le) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return linkerr.WithCause(linkerr.ErrDeviceTimeout, err)
		}
		return linkerr.WithCause(linkerr.ErrUserCancelled, err)
	}
	return linkerr.WithCause(linkerr.ErrDeviceUnavailable, err)
}

// meteredTransport records the duration and outcome of every exchange.
type meteredTransport struct {
	device.Transport
	recorder Recorder
}

func (m *meteredTransport) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	start := time.Now()
	reply, err := m.Transport.Exchange(ctx, apdu)
	m.recorder.RecordExchange(time.Since(start), err)
	return reply, err
}
