package client

import (
	"time"

	"github.com/danmuck/dps_ledgers/src/ledger"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dps_ledgers"

// Metrics are the client's prometheus collectors.
type Metrics struct {
	CreateTotal   *prometheus.CounterVec
	CreateSeconds prometheus.Histogram
	ReadEntries   prometheus.Counter
	AddTotal      *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CreateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "create_total",
			Help:      "Ledger creations by result.",
		}, []string{"result"}),
		CreateSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "create_seconds",
			Help:      "Ledger creation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		ReadEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "read_entries_total",
			Help:      "Entries yielded by admin read iterators.",
		}),
		AddTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "add_entry_total",
			Help:      "Entry adds by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.CreateTotal, m.CreateSeconds, m.ReadEntries, m.AddTotal)
	}
	return m
}

func (m *Metrics) observeCreate(start time.Time, err error) {
	m.CreateSeconds.Observe(time.Since(start).Seconds())
	m.CreateTotal.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) observeAdd(err error) {
	m.AddTotal.WithLabelValues(resultLabel(err)).Inc()
}

// resultLabel keeps label cardinality bounded to the result codes.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return ledger.CodeOf(err).String()
}
