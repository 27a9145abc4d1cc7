package cli

import (
	"errors"

	"github.com/mrz1836/ledgerlink/internal/cache"
	"github.com/mrz1836/ledgerlink/internal/chain/btc"
	"github.com/mrz1836/ledgerlink/internal/config"
	"github.com/mrz1836/ledgerlink/internal/device"
	"github.com/mrz1836/ledgerlink/internal/health"
	"github.com/mrz1836/ledgerlink/internal/metrics"
	"github.com/mrz1836/ledgerlink/internal/netutil"
	"github.com/mrz1836/ledgerlink/internal/service/availability"
	"github.com/mrz1836/ledgerlink/internal/service/connect"
	"github.com/mrz1836/ledgerlink/internal/session"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// Upstream API limits shared by the health and balance clients.
const (
	apiRateLimit = 5
	apiBurst     = 2
)

// newOpener returns the device opener selected by the configuration.
func newOpener(c *config.Config) device.Opener {
	if c.GetTransport() == config.TransportSpeculos {
		return device.NewSpeculosOpener(c.GetSpeculosAddr(), c.GetExchangeTimeout())
	}
	return device.NewHIDOpener(c.GetExchangeTimeout())
}

func apiOptions() *netutil.ClientOptions {
	return &netutil.ClientOptions{Limiter: netutil.NewRateLimiter(apiRateLimit, apiBurst)}
}

// newGate returns the availability gate. Without a health URL every
// attempt is allowed.
func newGate(cc *CommandContext) (*availability.Gate, error) {
	gateCfg := &availability.Config{Recorder: metrics.Global, Logger: cc.Log}

	if url := cc.Cfg.GetHealthURL(); url != "" {
		checker, err := health.NewClient(url, apiOptions())
		if err != nil {
			return nil, linkerr.WithSuggestion(err, "check network.health_url")
		}
		gateCfg.Checker = checker
	}
	return availability.NewGate(gateCfg), nil
}

// newBalanceReader returns the esplora client, or nil when balances are
// disabled.
func newBalanceReader(cc *CommandContext) (*btc.Client, error) {
	url := cc.Cfg.GetEsploraURL()
	if url == "" {
		return nil, nil //nolint:nilnil // nil reader disables balances
	}
	client, err := btc.NewClient(&btc.ClientOptions{BaseURL: url, HTTP: apiOptions()})
	if err != nil {
		return nil, linkerr.WithSuggestion(err, "check network.esplora_url")
	}
	return client, nil
}

// newAccountStore returns the cache of previously connected accounts.
func newAccountStore(cc *CommandContext) *cache.FileStorage {
	return cache.NewFileStorage(cache.Path(cc.Cfg.GetHome()))
}

// loadAccounts reads the account cache and forgets accounts not connected
// within cache.DefaultMaxAge. A corrupt cache is logged and replaced by an
// empty one.
func loadAccounts(cc *CommandContext, store *cache.FileStorage) (*cache.AccountCache, error) {
	accounts, err := store.Load()
	switch {
	case errors.Is(err, cache.ErrCorruptCache):
		cc.Log.Error("account cache: %v", err)
		return accounts, nil
	case err != nil:
		return nil, err
	}
	if n := accounts.Prune(cache.DefaultMaxAge); n > 0 {
		cc.Log.Debug("account cache: forgot %d expired accounts", n)
	}
	cc.Log.Debug("account cache: %d accounts from %s", accounts.Size(), store.Path())
	return accounts, nil
}

// newConnectService wires the connect service from the configuration.
// state carries the accounts of earlier runs.
func newConnectService(cc *CommandContext, observer connect.StateObserver, state *session.Holder) (*connect.Service, error) {
	gate, err := newGate(cc)
	if err != nil {
		return nil, err
	}

	svcCfg := &connect.Config{
		Opener:   newOpener(cc.Cfg),
		Gate:     gate,
		State:    state,
		Recorder: metrics.Global,
		Observer: observer,
		Logger:   cc.Log,
	}

	balances, err := newBalanceReader(cc)
	if err != nil {
		return nil, err
	}
	if balances != nil {
		svcCfg.Balances = balances
	}

	return connect.NewService(svcCfg), nil
}
