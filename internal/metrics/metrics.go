// Package metrics collects connection metrics with Prometheus collectors
// registered on a dedicated registry. Nothing is served over HTTP; the
// registry can be dumped in text form for diagnostics.
package metrics

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

const namespace = "ledgerlink"

// OutcomeOK labels a successful operation.
const OutcomeOK = "ok"

// Metrics holds the collectors. All methods are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	connectAttempts  *prometheus.CounterVec
	deviceExchanges  *prometheus.CounterVec
	exchangeDuration prometheus.Histogram
	healthChecks     *prometheus.CounterVec
	balanceFetches   *prometheus.CounterVec
}

// Global is the process-wide metrics instance.
//
//nolint:gochecknoglobals // Intentional global for metrics access
var Global = New()

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by chain and outcome.",
		}, []string{"chain", "outcome"}),
		deviceExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_exchanges_total",
			Help:      "APDU round-trips with the signing device by outcome.",
		}, []string{"outcome"}),
		exchangeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_exchange_duration_seconds",
			Help:      "APDU round-trip latency, including time spent waiting for the user.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Availability checks by reported status.",
		}, []string{"status"}),
		balanceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_fetches_total",
			Help:      "Balance lookups by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.connectAttempts,
		m.deviceExchanges,
		m.exchangeDuration,
		m.healthChecks,
		m.balanceFetches,
	)
	return m
}

// Outcome turns an error into a low-cardinality label value.
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	return strings.ToLower(linkerr.Code(err))
}

// RecordConnect records a finished connection attempt.
func (m *Metrics) RecordConnect(chain string, err error) {
	m.connectAttempts.WithLabelValues(chain, Outcome(err)).Inc()
}

// RecordExchange records one APDU round-trip.
func (m *Metrics) RecordExchange(duration time.Duration, err error) {
	m.deviceExchanges.WithLabelValues(Outcome(err)).Inc()
	m.exchangeDuration.Observe(duration.Seconds())
}

// RecordHealthCheck records an availability check. status is the
// reported status, or the error outcome when the check itself failed.
func (m *Metrics) RecordHealthCheck(status string, err error) {
	if err != nil {
		status = Outcome(err)
	}
	m.healthChecks.WithLabelValues(status).Inc()
}

// RecordBalanceFetch records a balance lookup.
func (m *Metrics) RecordBalanceFetch(err error) {
	m.balanceFetches.WithLabelValues(Outcome(err)).Inc()
}

// Gatherer exposes the registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Snapshot is a point-in-time summary of the counters.
type Snapshot struct {
	ConnectAttempts int64
	ConnectFailures int64
	DeviceExchanges int64
	ExchangeErrors  int64
	HealthChecks    int64
	BalanceFetches  int64
}

// Snapshot sums the counters across their labels.
func (m *Metrics) Snapshot() Snapshot {
	var s Snapshot

	families, err := m.registry.Gather()
	if err != nil {
		return s
	}

	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if metric.GetCounter() == nil {
				continue
			}
			v := int64(metric.GetCounter().GetValue())
			ok := labelValue(metric.GetLabel(), "outcome") == OutcomeOK

			switch mf.GetName() {
			case namespace + "_connect_attempts_total":
				s.ConnectAttempts += v
				if !ok {
					s.ConnectFailures += v
				}
			case namespace + "_device_exchanges_total":
				s.DeviceExchanges += v
				if !ok {
					s.ExchangeErrors += v
				}
			case namespace + "_health_checks_total":
				s.HealthChecks += v
			case namespace + "_balance_fetches_total":
				s.BalanceFetches += v
			}
		}
	}
	return s
}

type labelPair interface {
	GetName() string
	GetValue() string
}

func labelValue[L labelPair](labels []L, name string) string {
	for _, l := range labels {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

// Dump writes every metric family in text form.
func (m *Metrics) Dump(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	for _, mf := range families {
		if _, err := bw.WriteString(mf.String() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}
