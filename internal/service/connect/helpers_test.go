package connect

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrz1836/ledgerlink/internal/chain"
	"github.com/mrz1836/ledgerlink/internal/device/devicetest"
	"github.com/mrz1836/ledgerlink/internal/device/ledgertest"
	"github.com/mrz1836/ledgerlink/internal/service/availability"
)

func newLedger(t *testing.T, app ledgertest.App) *ledgertest.Ledger {
	t.Helper()
	l, err := ledgertest.New(ledgertest.DefaultSeed)
	require.NoError(t, err)
	l.OpenApp(app)
	return l
}

// fakeChecker reports a fixed availability status.
type fakeChecker struct {
	status availability.Status
}

func (c *fakeChecker) Check(_ context.Context) (availability.Status, error) {
	return c.status, nil
}

// blockingChecker waits for the caller to give up.
type blockingChecker struct{}

func (blockingChecker) Check(ctx context.Context) (availability.Status, error) {
	<-ctx.Done()
	return availability.Status{}, ctx.Err()
}

func gateWith(status availability.Status) *availability.Gate {
	return availability.NewGate(&availability.Config{Checker: &fakeChecker{status: status}})
}

// mockRecorder counts recorded metrics.
type mockRecorder struct {
	mu        sync.Mutex
	connects  map[string][]error
	exchanges int
	balances  []error
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{connects: make(map[string][]error)}
}

func (m *mockRecorder) RecordConnect(chain string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects[chain] = append(m.connects[chain], err)
}

func (m *mockRecorder) RecordExchange(_ time.Duration, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges++
}

func (m *mockRecorder) RecordBalanceFetch(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = append(m.balances, err)
}

// mockLogger collects log lines.
type mockLogger struct {
	mu     sync.Mutex
	debugs []string
	errors []string
}

func (m *mockLogger) Debug(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugs = append(m.debugs, fmt.Sprintf(format, args...))
}

func (m *mockLogger) Error(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, fmt.Sprintf(format, args...))
}

// transitionLog records observer callbacks.
type transitionLog struct {
	mu   sync.Mutex
	seen []Transition
	on   map[State]chan struct{}
}

func newTransitionLog() *transitionLog {
	return &transitionLog{on: make(map[State]chan struct{})}
}

func (l *transitionLog) observe(tr Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, tr)
	if ch, ok := l.on[tr.State]; ok {
		close(ch)
		delete(l.on, tr.State)
	}
}

// reached returns a channel closed when state is next observed.
func (l *transitionLog) reached(state State) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan struct{})
	l.on[state] = ch
	return ch
}

func (l *transitionLog) states(id chain.ID) []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, tr := range l.seen {
		if tr.Chain == id {
			out = append(out, tr.State)
		}
	}
	return out
}

func (l *transitionLog) last() Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[len(l.seen)-1]
}

// fixture wires a Service to an emulated Ledger.
type fixture struct {
	ledger      *ledgertest.Ledger
	opener      *devicetest.Opener
	transitions *transitionLog
	recorder    *mockRecorder
	logger      *mockLogger
	service     *Service
}

func newFixture(t *testing.T, app ledgertest.App, gate Gate) *fixture {
	t.Helper()
	f := &fixture{
		ledger:      newLedger(t, app),
		transitions: newTransitionLog(),
		recorder:    newMockRecorder(),
		logger:      &mockLogger{},
	}
	f.opener = &devicetest.Opener{Handler: f.ledger.Handle}
	f.service = NewService(&Config{
		Opener:   f.opener,
		Gate:     gate,
		Recorder: f.recorder,
		Observer: f.transitions.observe,
		Logger:   f.logger,
	})
	return f
}
