package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/ledgerlink/internal/config"
	"github.com/mrz1836/ledgerlink/internal/device"
	"github.com/mrz1836/ledgerlink/internal/device/cosmos"
	"github.com/mrz1836/ledgerlink/internal/device/devicetest"
	"github.com/mrz1836/ledgerlink/internal/device/ledgertest"
	"github.com/mrz1836/ledgerlink/internal/health"
)

// resetCommand restores flag defaults and drops contexts left by an
// earlier run; cobra keeps both on the package-level commands.
func resetCommand(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	cmd.SetContext(nil) //nolint:staticcheck // clearing state between runs
	for _, sub := range cmd.Commands() {
		resetCommand(sub)
	}
}

// execute runs the CLI with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetCommand(rootCmd)
	cfg, logger, formatter = nil, nil, nil

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// testEnv is a home directory wired to an emulated device and fake APIs.
type testEnv struct {
	home       string
	cosmos     *ledgertest.Ledger
	bitcoin    *ledgertest.Ledger
	deviceHits atomic.Int32
	health     *httptest.Server
	esplora    *httptest.Server

	healthStatus atomic.Int32
	healthBody   atomic.Value
	balance      atomic.Uint64
}

// newTestEnv starts a Speculos-protocol server that routes Cosmos commands
// to a device running the Cosmos app and everything else to one running
// the Bitcoin Test app. Both share a seed.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{home: t.TempDir()}
	env.healthStatus.Store(http.StatusOK)
	env.healthBody.Store("")

	var err error
	env.cosmos, err = ledgertest.New(ledgertest.DefaultSeed)
	require.NoError(t, err)
	env.cosmos.OpenApp(ledgertest.AppCosmos)
	env.bitcoin, err = ledgertest.New(ledgertest.DefaultSeed)
	require.NoError(t, err)
	env.bitcoin.OpenApp(ledgertest.AppBitcoin)

	server, err := devicetest.NewServer(func(ctx context.Context, cmd device.Command) ([]byte, uint16) {
		env.deviceHits.Add(1)
		if cmd.CLA == cosmos.CLA {
			return env.cosmos.Handle(ctx, cmd)
		}
		return env.bitcoin.Handle(ctx, cmd)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	env.health = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != health.Path {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(int(env.healthStatus.Load()))
		_, _ = w.Write([]byte(env.healthBody.Load().(string)))
	}))
	t.Cleanup(env.health.Close)

	env.esplora = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := strings.TrimPrefix(r.URL.Path, "/address/")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"address":%q,"chain_stats":{"funded_txo_sum":%d,"spent_txo_sum":0},"mempool_stats":{}}`,
			addr, env.balance.Load())
	}))
	t.Cleanup(env.esplora.Close)

	c := config.Defaults()
	c.Home = env.home
	c.Device.Transport = config.TransportSpeculos
	c.Device.SpeculosAddr = server.Addr()
	c.Device.ExchangeTimeout = "10s"
	c.Network.HealthURL = env.health.URL
	c.Network.EsploraURL = env.esplora.URL
	c.Logging.Level = "debug"
	c.Logging.File = filepath.Join(env.home, "ledgerlink.log")
	require.NoError(t, config.Save(c, config.Path(env.home)))

	return env
}

func (e *testEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return execute(t, append(args, "--home", e.home)...)
}

func decodeJSON(t *testing.T, raw string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(raw), v), raw)
}
