package connect

import (
	"context"
	"errors"
	"sync"

	"github.com/mrz1836/ledgerlink/internal/chain"
	"github.com/mrz1836/ledgerlink/internal/device"
	"github.com/mrz1836/ledgerlink/internal/service/availability"
	"github.com/mrz1836/ledgerlink/internal/session"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// Service connects chains and exposes the resulting session. It is safe
// for concurrent use; connects on different chains run independently.
type Service struct {
	procedure *Procedure
	gate      Gate
	state     session.Manager
	balances  chain.BalanceReader
	recorder  Recorder
	logger    LogWriter

	mu       sync.Mutex
	inFlight map[chain.ID]bool

	loadMu sync.Mutex
	busy   int
}

// Config contains dependencies for creating a connect service.
type Config struct {
	Opener   device.Opener
	Binder   Binder              // defaults to BindClient
	Gate     Gate                // nil allows every attempt
	State    session.Manager     // defaults to a new session.Holder
	Balances chain.BalanceReader // nil disables RefreshBalance
	Recorder Recorder
	Observer StateObserver
	Logger   LogWriter
}

// NewService creates a new connect service instance.
func NewService(cfg *Config) *Service {
	negotiator := NewNegotiator(&NegotiatorConfig{
		Opener:   cfg.Opener,
		Binder:   cfg.Binder,
		Recorder: cfg.Recorder,
		Logger:   cfg.Logger,
	})

	s := &Service{
		procedure: NewProcedure(negotiator, cfg.Observer, cfg.Logger),
		gate:      cfg.Gate,
		state:     cfg.State,
		balances:  cfg.Balances,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		inFlight:  make(map[chain.ID]bool),
	}
	if s.gate == nil {
		s.gate = availability.NewGate(nil)
	}
	if s.state == nil {
		s.state = session.NewHolder()
	}
	return s
}

// Connect derives the address on id and records it. The availability gate
// is consulted first; a refusal returns ServiceUnavailable carrying the
// gate's reason and no device is contacted. A failed attempt leaves the
// recorded state untouched apart from the loading flag.
func (s *Service) Connect(ctx context.Context, id chain.ID) (*Result, error) {
	res, err := s.connect(ctx, id)
	if s.recorder != nil {
		s.recorder.RecordConnect(string(id), err)
	}
	return res, err
}

func (s *Service) connect(ctx context.Context, id chain.ID) (*Result, error) {
	if !id.IsValid() {
		return nil, linkerr.WithDetails(linkerr.ErrUnsupportedChain, map[string]string{"chain": string(id)})
	}

	decision := s.gate.CanConnect(ctx)
	if err := ctx.Err(); err != nil {
		return nil, linkerr.WithCause(linkerr.ErrUserCancelled, err)
	}
	if !decision.Allowed {
		s.debug("connect %s refused: %s", id, decision.Reason)
		return nil, linkerr.WithCause(linkerr.ErrServiceUnavailable, errors.New(decision.Reason))
	}

	if !s.begin(id) {
		return nil, linkerr.WithDetails(ErrConnectInFlight, map[string]string{"chain": string(id)})
	}
	defer s.end(id)

	previous := s.state.Address(id)

	res, err := s.procedure.Derive(ctx, id)
	if err != nil {
		return nil, err
	}

	if previous != "" && previous != res.Address {
		res.AccountChanged = true
		res.Previous = previous
		s.logError("connect %s: address changed from %s to %s", id, previous, res.Address)
	}

	if err := s.state.SetAddress(id, res.Address, res.PublicKey); err != nil {
		return nil, err
	}
	return res, nil
}

// Disconnect clears every connected address, the balance and the loading
// flag in one transition.
func (s *Service) Disconnect() {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.state.Disconnect()
}

// ConnectedAddress returns the address connected on id, or "".
func (s *Service) ConnectedAddress(id chain.ID) string {
	return s.state.Address(id)
}

// Balance returns the Bitcoin balance in satoshis. ok is false when it is
// unknown, which is always the case while Bitcoin is disconnected.
func (s *Service) Balance() (sat uint64, ok bool) {
	return s.state.Balance()
}

// IsLoading reports whether a device or balance operation is in flight.
func (s *Service) IsLoading() bool {
	return s.state.IsLoading()
}

// Availability returns the upstream availability for display.
func (s *Service) Availability(ctx context.Context) availability.Status {
	return s.gate.Status(ctx)
}

// Session returns a snapshot of the connection state.
func (s *Service) Session() session.Session {
	return s.state.Snapshot()
}

// Subscribe registers fn to receive every state transition.
func (s *Service) Subscribe(fn func(session.Session)) func() {
	return s.state.Subscribe(fn)
}

// RefreshBalance fetches the balance of the connected Bitcoin address and
// records it. A balance fetched for an address that was disconnected or
// replaced in the meantime is discarded.
func (s *Service) RefreshBalance(ctx context.Context) (uint64, error) {
	address := s.state.Address(chain.Bitcoin)
	if address == "" {
		return 0, linkerr.WithDetails(linkerr.ErrNotConnected, map[string]string{"chain": string(chain.Bitcoin)})
	}
	if s.balances == nil {
		return 0, linkerr.WithSuggestion(linkerr.ErrConfigInvalid, "set network.esplora_url to fetch balances")
	}

	s.beginLoading()
	defer s.endLoading()

	sat, err := s.balances.GetBalance(ctx, address)
	if s.recorder != nil {
		s.recorder.RecordBalanceFetch(err)
	}
	if err != nil {
		s.logError("fetching balance of %s: %v", address, err)
		return 0, err
	}

	if s.state.Address(chain.Bitcoin) != address {
		return 0, linkerr.WithDetails(linkerr.ErrNotConnected, map[string]string{"address": address})
	}
	if err := s.state.SetBalance(sat); err != nil {
		return 0, err
	}
	return sat, nil
}

// begin marks id in flight. It returns false if it already was.
func (s *Service) begin(id chain.ID) bool {
	s.mu.Lock()
	if s.inFlight[id] {
		s.mu.Unlock()
		return false
	}
	s.inFlight[id] = true
	s.mu.Unlock()

	s.beginLoading()
	return true
}

func (s *Service) end(id chain.ID) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()

	s.endLoading()
}

// beginLoading and endLoading keep the loading flag set while any
// operation is running. Disconnect clears the flag without touching busy,
// so every start re-asserts it.
func (s *Service) beginLoading() {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.busy++
	if !s.state.IsLoading() {
		s.state.SetLoading(true)
	}
}

func (s *Service) endLoading() {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.busy--
	if s.busy == 0 && s.state.IsLoading() {
		s.state.SetLoading(false)
	}
}

func (s *Service) debug(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(format, args...)
	}
}

func (s *Service) logError(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Error(format, args...)
	}
}
