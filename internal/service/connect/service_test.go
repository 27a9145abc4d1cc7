package connect

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/ledgerlink/internal/chain"
	"github.com/mrz1836/ledgerlink/internal/derivation"
	"github.com/mrz1836/ledgerlink/internal/device"
	"github.com/mrz1836/ledgerlink/internal/device/cosmos"
	"github.com/mrz1836/ledgerlink/internal/device/devicetest"
	"github.com/mrz1836/ledgerlink/internal/device/ledgertest"
	"github.com/mrz1836/ledgerlink/internal/service/availability"
	"github.com/mrz1836/ledgerlink/internal/session"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

func TestConnect_Babylon(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ledgertest.AppCosmos, nil)

	res, err := f.service.Connect(context.Background(), chain.BabylonCosmos)
	require.NoError(t, err)

	wantAddr, wantPub, err := f.ledger.CosmosAddress(derivation.MustPathFor(chain.BabylonCosmos).Segments(), "bbn")
	require.NoError(t, err)
	assert.Equal(t, wantAddr, res.Address)
	assert.Equal(t, wantPub, res.PublicKey)
	assert.Equal(t, "m/44'/118'/0'/0/0", res.Path.String())
	assert.Nil(t, res.Policy)
	assert.False(t, res.AccountChanged)

	assert.Equal(t, wantAddr, f.service.ConnectedAddress(chain.BabylonCosmos))
	assert.Empty(t, f.service.ConnectedAddress(chain.Bitcoin))
	require.NoError(t, chain.ValidateAddress(chain.BabylonCosmos, f.service.ConnectedAddress(chain.BabylonCosmos)))
	assert.False(t, f.service.IsLoading())

	// One transport, one command, shown on screen, closed afterwards.
	assert.Equal(t, 1, f.opener.Opened())
	assert.True(t, f.opener.AllClosed())
	cmds := f.opener.Last().Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, cosmos.CLA, cmds[0].CLA)
	assert.Equal(t, byte(0x01), cmds[0].P1)

	assert.Equal(t, []State{
		StateAwaitingTransport,
		StateAwaitingDeviceConfirmation,
		StateResolved,
	}, f.transitions.states(chain.BabylonCosmos))
}

func TestConnect_Bitcoin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ledgertest.AppBitcoin, nil)

	res, err := f.service.Connect(context.Background(), chain.Bitcoin)
	require.NoError(t, err)

	path := derivation.MustPathFor(chain.Bitcoin)
	wantAddr, err := f.ledger.TaprootAddress(path.Segments(), 0, 0)
	require.NoError(t, err)
	xpub, err := f.ledger.ExtendedPubkey(path.Segments())
	require.NoError(t, err)
	fp := f.ledger.Fingerprint()

	assert.Equal(t, wantAddr, res.Address)
	assert.Equal(t, wantAddr, f.service.ConnectedAddress(chain.Bitcoin))
	assert.Len(t, res.PublicKey, 33)

	require.NotNil(t, res.Policy)
	assert.Equal(t, "tr(@0/**)", res.Policy.DescriptorTemplate)
	assert.Equal(t, fmt.Sprintf("[%x/86'/1'/0']%s", fp[:], xpub), res.Policy.KeyInfo())

	// Fingerprint, xpub and wallet address all went over one transport.
	assert.Equal(t, 1, f.opener.Opened())
	assert.True(t, f.opener.AllClosed())
	assert.False(t, f.service.IsLoading())

	assert.Equal(t, []State{
		StateAwaitingTransport,
		StateAwaitingDeviceConfirmation,
		StateResolved,
	}, f.transitions.states(chain.Bitcoin))

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	assert.Equal(t, []error{nil}, f.recorder.connects["btc"])
	assert.Equal(t, len(f.opener.Last().Commands()), f.recorder.exchanges)
}

func TestConnect_BothChainsIndependent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ledgertest.AppCosmos, nil)
	ctx := context.Background()

	bbn, err := f.service.Connect(ctx, chain.BabylonCosmos)
	require.NoError(t, err)

	f.ledger.OpenApp(ledgertest.AppBitcoin)
	btc, err := f.service.Connect(ctx, chain.Bitcoin)
	require.NoError(t, err)

	assert.Equal(t, bbn.Address, f.service.ConnectedAddress(chain.BabylonCosmos))
	assert.Equal(t, btc.Address, f.service.ConnectedAddress(chain.Bitcoin))
	assert.Equal(t, 2, f.opener.Opened())
	assert.True(t, f.opener.AllClosed())
}

func TestConnect_GeoBlocked(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status availability.Status
	}{
		{"geo blocked", availability.Status{ServiceNormal: true, GeoBlocked: true, Message: "not available in your region"}},
		{"geo blocked and degraded", availability.Status{GeoBlocked: true, Message: "not available in your region"}},
		{"degraded", availability.Degraded("not available in your region")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, ledgertest.AppBitcoin, gateWith(tt.status))

			res, err := f.service.Connect(context.Background(), chain.Bitcoin)
			require.ErrorIs(t, err, linkerr.ErrServiceUnavailable)
			assert.Nil(t, res)
			assert.Contains(t, err.Error(), "not available in your region")
			assert.Equal(t, linkerr.ExitUnavailable, linkerr.ExitCode(err))

			assert.Zero(t, f.opener.Opened())
			assert.Empty(t, f.service.ConnectedAddress(chain.Bitcoin))
			assert.False(t, f.service.IsLoading())
			assert.Empty(t, f.transitions.states(chain.Bitcoin))
		})
	}
}

func TestConnect_BitcoinRejectedOnDevice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ledgertest.AppBitcoin, gateWith(availability.Normal()))
	f.ledger.RejectDisplay(true)

	res, err := f.service.Connect(context.Background(), chain.Bitcoin)
	require.ErrorIs(t, err, linkerr.ErrUserRejected)
	assert.Nil(t, res)

	assert.True(t, f.opener.AllClosed())
	assert.Empty(t, f.service.ConnectedAddress(chain.Bitcoin))
	assert.False(t, f.service.IsLoading())

	last := f.transitions.last()
	assert.Equal(t, StateFailed, last.State)
	require.ErrorIs(t, last.Err, linkerr.ErrUserRejected)
	assert.Equal(t, []State{
		StateAwaitingTransport,
		StateAwaitingDeviceConfirmation,
		StateFailed,
	}, f.transitions.states(chain.Bitcoin))
}

func TestConnect_FailureKeepsPreviousAddress(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ledgertest.AppBitcoin, nil)
	ctx := context.Background()

	first, err := f.service.Connect(ctx, chain.Bitcoin)
	require.NoError(t, err)
	before := f.service.Session()

	f.ledger.RejectDisplay(true)
	_, err = f.service.Connect(ctx, chain.Bitcoin)
	require.ErrorIs(t, err, linkerr.ErrUserRejected)

	after := f.service.Session()
	assert.Equal(t, first.Address, f.service.ConnectedAddress(chain.Bitcoin))
	assert.Equal(t, before.Accounts, after.Accounts)
	assert.True(t, f.opener.AllClosed())
}

func TestConnect_DeviceErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		chain   chain.ID
		setup   func(t *testing.T, l *ledgertest.Ledger)
		wantErr error
	}{
		{
			name:    "no app open",
			chain:   chain.Bitcoin,
			setup:   func(_ *testing.T, l *ledgertest.Ledger) { l.OpenApp(ledgertest.AppNone) },
			wantErr: linkerr.ErrDeviceUnavailable,
		},
		{
			name:    "wrong app open",
			chain:   chain.BabylonCosmos,
			setup:   func(_ *testing.T, l *ledgertest.Ledger) { l.OpenApp(ledgertest.AppBitcoin) },
			wantErr: linkerr.ErrDeviceUnavailable,
		},
		{
			name:    "locked",
			chain:   chain.BabylonCosmos,
			setup:   func(_ *testing.T, l *ledgertest.Ledger) { l.Lock(true) },
			wantErr: linkerr.ErrDeviceUnavailable,
		},
		{
			name:    "cosmos rejected",
			chain:   chain.BabylonCosmos,
			setup:   func(_ *testing.T, l *ledgertest.Ledger) { l.RejectDisplay(true) },
			wantErr: linkerr.ErrUserRejected,
		},
		{
			name:  "cosmos address for another key",
			chain: chain.BabylonCosmos,
			setup: func(t *testing.T, l *ledgertest.Ledger) {
				other, err := ledgertest.New(make([]byte, 32))
				require.NoError(t, err)
				addr, _, err := other.CosmosAddress(derivation.MustPathFor(chain.BabylonCosmos).Segments(), "bbn")
				require.NoError(t, err)
				l.OverrideAddress(addr)
			},
			wantErr: linkerr.ErrProtocol,
		},
		{
			name:    "cosmos address with wrong prefix",
			chain:   chain.BabylonCosmos,
			setup:   func(_ *testing.T, l *ledgertest.Ledger) { l.OverrideAddress("cosmos1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqnrql8a") },
			wantErr: linkerr.ErrProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			app := ledgertest.AppCosmos
			if tt.chain == chain.Bitcoin {
				app = ledgertest.AppBitcoin
			}
			f := newFixture(t, app, nil)
			tt.setup(t, f.ledger)

			_, err := f.service.Connect(context.Background(), tt.chain)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.service.ConnectedAddress(tt.chain))
			assert.True(t, f.opener.AllClosed())
			assert.False(t, f.service.IsLoading())
			assert.Equal(t, StateFailed, f.transitions.last().State)
		})
	}
}

func TestConnect_OpenerFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		openErr error
		wantErr error
	}{
		{"taxonomy error kept", linkerr.ErrUserCancelled, linkerr.ErrUserCancelled},
		{"plain error is unavailable", fmt.Errorf("no ledger found"), linkerr.ErrDeviceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, ledgertest.AppBitcoin, nil)
			f.opener.Err = tt.openErr

			_, err := f.service.Connect(context.Background(), chain.Bitcoin)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, f.opener.Opened())
			assert.Equal(t, []State{StateAwaitingTransport, StateFailed}, f.transitions.states(chain.Bitcoin))
		})
	}
}

func TestConnect_NoOpener(t *testing.T) {
	t.Parallel()
	s := NewService(&Config{})
	_, err := s.Connect(context.Background(), chain.BabylonCosmos)
	require.ErrorIs(t, err, linkerr.ErrDeviceUnavailable)
}

func TestConnect_UnsupportedChain(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ledgertest.AppBitcoin, nil)

	_, err := f.service.Connect(context.Background(), chain.ID("eth"))
	require.ErrorIs(t, err, linkerr.ErrUnsupportedChain)
	assert.Zero(t, f.opener.Opened())
}

func TestConnect_CancelledWhileAwaitingConfirmation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ledgertest.AppCosmos, nil)
	f.ledger.HangDisplay(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waiting := f.transitions.reached(StateAwaitingDeviceConfirmation)

	done := make(chan error, 1)
	go func() {
		_, err := f.service.Connect(ctx, chain.BabylonCosmos)
		done <- err
	}()

	<-waiting
	cancel()

	err := <-done
	require.ErrorIs(t, err, linkerr.ErrUserCancelled)
	assert.True(t, f.opener.AllClosed())
	assert.Empty(t, f.service.ConnectedAddress(chain.BabylonCosmos))
	assert.False(t, f.service.IsLoading())
}

func TestConnect_DeviceTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ledgertest.AppBitcoin, nil)
	f.ledger.HangDisplay(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.service.Connect(ctx, chain.Bitcoin)
	require.ErrorIs(t, err, linkerr.ErrDeviceTimeout)
	assert.True(t, f.opener.AllClosed())
	assert.Empty(t, f.service.ConnectedAddress(chain.Bitcoin))
}

func TestConnect_InFlightGuard(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ledgertest.AppCosmos, nil)
	f.ledger.HangDisplay(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waiting := f.transitions.reached(StateAwaitingDeviceConfirmation)

	done := make(chan error, 1)
	go func() {
		_, err := f.service.Connect(ctx, chain.BabylonCosmos)
		done <- err
	}()
	<-waiting
	assert.True(t, f.service.IsLoading())

	_, err := f.service.Connect(context.Background(), chain.BabylonCosmos)
	require.ErrorIs(t, err, ErrConnectInFlight)

	// Another chain is not blocked by the pending one; the device runs the
	// Cosmos app so it fails on the device instead.
	_, err = f.service.Connect(context.Background(), chain.Bitcoin)
	require.ErrorIs(t, err, linkerr.ErrDeviceUnavailable)
	assert.True(t, f.service.IsLoading())

	cancel()
	require.ErrorIs(t, <-done, linkerr.ErrUserCancelled)
	assert.False(t, f.service.IsLoading())
	assert.Equal(t, 2, f.opener.Opened())
	assert.True(t, f.opener.AllClosed())
}

func TestConnect_ReconnectDetectsAccountChange(t *testing.T) {
	t.Parallel()
	first, err := ledgertest.New(ledgertest.DefaultSeed)
	require.NoError(t, err)
	second, err := ledgertest.New(make([]byte, 32))
	require.NoError(t, err)
	first.OpenApp(ledgertest.AppBitcoin)
	second.OpenApp(ledgertest.AppBitcoin)

	var mu sync.Mutex
	current := first
	opener := &devicetest.Opener{Handler: func(ctx context.Context, cmd device.Command) ([]byte, uint16) {
		mu.Lock()
		l := current
		mu.Unlock()
		return l.Handle(ctx, cmd)
	}}
	logger := &mockLogger{}
	s := NewService(&Config{Opener: opener, Logger: logger})
	ctx := context.Background()

	res, err := s.Connect(ctx, chain.Bitcoin)
	require.NoError(t, err)
	require.NoError(t, s.state.SetBalance(1000))

	again, err := s.Connect(ctx, chain.Bitcoin)
	require.NoError(t, err)
	assert.False(t, again.AccountChanged)
	assert.Equal(t, res.Address, again.Address)
	_, ok := s.Balance()
	assert.True(t, ok)

	mu.Lock()
	current = second
	mu.Unlock()

	swapped, err := s.Connect(ctx, chain.Bitcoin)
	require.NoError(t, err)
	assert.True(t, swapped.AccountChanged)
	assert.Equal(t, res.Address, swapped.Previous)
	assert.NotEqual(t, res.Address, swapped.Address)
	assert.Equal(t, swapped.Address, s.ConnectedAddress(chain.Bitcoin))

	// The balance belonged to the previous account.
	_, ok = s.Balance()
	assert.False(t, ok)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	require.Len(t, logger.errors, 1)
	assert.Contains(t, logger.errors[0], "address changed")
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ledgertest.AppCosmos, nil)
	ctx := context.Background()

	_, err := f.service.Connect(ctx, chain.BabylonCosmos)
	require.NoError(t, err)
	f.ledger.OpenApp(ledgertest.AppBitcoin)
	_, err = f.service.Connect(ctx, chain.Bitcoin)
	require.NoError(t, err)
	require.NoError(t, f.service.state.SetBalance(42))

	var snapshots []session.Session
	unsubscribe := f.service.Subscribe(func(s session.Session) {
		snapshots = append(snapshots, s)
	})
	defer unsubscribe()

	f.service.Disconnect()

	for _, id := range chain.All() {
		assert.Empty(t, f.service.ConnectedAddress(id))
	}
	_, ok := f.service.Balance()
	assert.False(t, ok)
	assert.False(t, f.service.IsLoading())

	require.Len(t, snapshots, 1)
	assert.Empty(t, snapshots[0].Accounts)
	assert.Nil(t, snapshots[0].Balance)
}

func TestConnect_LoadingAfterDisconnectMidFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ledgertest.AppCosmos, nil)
	f.ledger.HangDisplay(true)
	// Cosmos commands hang on the display, everything else never answers.
	f.opener.Handler = func(ctx context.Context, cmd device.Command) ([]byte, uint16) {
		if cmd.CLA == cosmos.CLA {
			return f.ledger.Handle(ctx, cmd)
		}
		<-ctx.Done()
		return nil, device.SWWrongCLA
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bbnWaiting := f.transitions.reached(StateAwaitingDeviceConfirmation)
	bbnDone := make(chan error, 1)
	go func() {
		_, err := f.service.Connect(ctx, chain.BabylonCosmos)
		bbnDone <- err
	}()
	<-bbnWaiting
	assert.True(t, f.service.IsLoading())

	f.service.Disconnect()
	assert.False(t, f.service.IsLoading())

	btcWaiting := f.transitions.reached(StateAwaitingTransport)
	btcDone := make(chan error, 1)
	go func() {
		_, err := f.service.Connect(ctx, chain.Bitcoin)
		btcDone <- err
	}()
	<-btcWaiting
	assert.True(t, f.service.IsLoading())

	cancel()
	require.ErrorIs(t, <-bbnDone, linkerr.ErrUserCancelled)
	require.ErrorIs(t, <-btcDone, linkerr.ErrUserCancelled)
	assert.False(t, f.service.IsLoading())
}

func TestConnect_CancelledDuringAvailabilityCheck(t *testing.T) {
	t.Parallel()
	gate := availability.NewGate(&availability.Config{Checker: blockingChecker{}})
	f := newFixture(t, ledgertest.AppCosmos, gate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := f.service.Connect(ctx, chain.BabylonCosmos)
	require.ErrorIs(t, err, linkerr.ErrUserCancelled)
	assert.NotErrorIs(t, err, linkerr.ErrServiceUnavailable)
	assert.Equal(t, linkerr.ExitRejected, linkerr.ExitCode(err))
	assert.Zero(t, f.opener.Opened())
}

func TestConnect_LoadingPublished(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ledgertest.AppCosmos, nil)

	var mu sync.Mutex
	var loading []bool
	unsubscribe := f.service.Subscribe(func(s session.Session) {
		mu.Lock()
		defer mu.Unlock()
		loading = append(loading, s.Loading)
	})
	defer unsubscribe()

	_, err := f.service.Connect(context.Background(), chain.BabylonCosmos)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	// loading on, address set, loading off
	assert.Equal(t, []bool{true, true, false}, loading)
}

func TestAvailability(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ledgertest.AppCosmos, gateWith(availability.GeoBlocked("")))
	status := f.service.Availability(context.Background())
	assert.Equal(t, availability.StateGeoBlocked, status.State())
	assert.Equal(t, availability.DefaultGeoBlockedMessage, status.Message)

	open := newFixture(t, ledgertest.AppCosmos, nil)
	assert.True(t, open.service.Availability(context.Background()).IsNormal())
}
