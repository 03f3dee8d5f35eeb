// Package metrics owns the Prometheus collectors for the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rstmdb/rstmdb/internal/wal"
)

// Metrics bundles all collectors behind one registry so multiple server
// instances (tests included) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal    prometheus.Counter
	RequestsTotal       *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
	EventsForwarded     *prometheus.CounterVec
	WalBytesWritten     prometheus.Counter
	WalBytesRead        prometheus.Counter
	WalWrites           prometheus.Counter
	WalReads            prometheus.Counter
	WalFsyncs           prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	SubscriptionsActive *prometheus.GaugeVec
	Instances           prometheus.Gauge
	Machines            prometheus.Gauge
	WalEntries          prometheus.Gauge
	WalSegments         prometheus.Gauge
	WalSizeBytes        prometheus.Gauge
	RequestDuration     *prometheus.HistogramVec

	lastWalStats wal.Stats
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rstmdb_connections_total",
			Help: "Total number of accepted connections",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rstmdb_requests_total",
			Help: "Total number of requests by operation",
		}, []string{"op"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rstmdb_errors_total",
			Help: "Total number of error responses by code",
		}, []string{"code"}),
		EventsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rstmdb_events_forwarded_total",
			Help: "Total number of stream events forwarded by subscription kind",
		}, []string{"kind"}),
		WalBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rstmdb_wal_bytes_written_total",
			Help: "Total bytes written to the WAL",
		}),
		WalBytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rstmdb_wal_bytes_read_total",
			Help: "Total bytes read from the WAL",
		}),
		WalWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rstmdb_wal_writes_total",
			Help: "Total WAL write operations",
		}),
		WalReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rstmdb_wal_reads_total",
			Help: "Total WAL read operations",
		}),
		WalFsyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rstmdb_wal_fsyncs_total",
			Help: "Total WAL fsync operations",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rstmdb_connections_active",
			Help: "Current number of active connections",
		}),
		SubscriptionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rstmdb_subscriptions_active",
			Help: "Current number of active subscriptions by kind",
		}, []string{"kind"}),
		Instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rstmdb_instances",
			Help: "Current number of instances",
		}),
		Machines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rstmdb_machines",
			Help: "Current number of registered machine versions",
		}),
		WalEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rstmdb_wal_entries",
			Help: "Current number of WAL entries",
		}),
		WalSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rstmdb_wal_segments",
			Help: "Current number of WAL segments",
		}),
		WalSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rstmdb_wal_size_bytes",
			Help: "Current total size of the WAL in bytes",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rstmdb_request_duration_seconds",
			Help:    "Request duration by operation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		m.ConnectionsTotal, m.RequestsTotal, m.ErrorsTotal, m.EventsForwarded,
		m.WalBytesWritten, m.WalBytesRead, m.WalWrites, m.WalReads, m.WalFsyncs,
		m.ConnectionsActive, m.SubscriptionsActive, m.Instances, m.Machines,
		m.WalEntries, m.WalSegments, m.WalSizeBytes, m.RequestDuration,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// UpdateWalStats advances the monotonic WAL counters from a stats snapshot.
func (m *Metrics) UpdateWalStats(stats wal.Stats) {
	m.WalBytesWritten.Add(float64(stats.BytesWritten - m.lastWalStats.BytesWritten))
	m.WalBytesRead.Add(float64(stats.BytesRead - m.lastWalStats.BytesRead))
	m.WalWrites.Add(float64(stats.Writes - m.lastWalStats.Writes))
	m.WalReads.Add(float64(stats.Reads - m.lastWalStats.Reads))
	m.WalFsyncs.Add(float64(stats.Fsyncs - m.lastWalStats.Fsyncs))
	m.lastWalStats = stats
}
