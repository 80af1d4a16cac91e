package ingest

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts ingestion and retention activity.
type Metrics struct {
	samples         *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	rejected        prometheus.Counter
	pruned          prometheus.Counter
	archived        prometheus.Counter
	archiveFailures prometheus.Counter
	dropped         prometheus.Counter
}

// NewMetrics registers ingestion collectors on reg, reusing collectors that
// are already registered. A nil reg yields unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netusage",
			Subsystem: "ingest",
			Name:      "samples_total",
			Help:      "Traffic samples accepted by network type",
		}, []string{"network"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netusage",
			Subsystem: "ingest",
			Name:      "bytes_total",
			Help:      "Accounted bytes by network type and direction",
		}, []string{"network", "direction"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netusage",
			Subsystem: "ingest",
			Name:      "rejected_total",
			Help:      "Traffic samples rejected by validation",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netusage",
			Subsystem: "retention",
			Name:      "pruned_samples_total",
			Help:      "Samples removed by the retention sweeper",
		}),
		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netusage",
			Subsystem: "retention",
			Name:      "archived_samples_total",
			Help:      "Pruned samples written to archive segments",
		}),
		archiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netusage",
			Subsystem: "retention",
			Name:      "archive_failures_total",
			Help:      "Sweeps that kept expired samples because the archive write failed",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netusage",
			Subsystem: "stream",
			Name:      "dropped_broadcasts_total",
			Help:      "Live stream payloads dropped because the hub queue was full",
		}),
	}
	if reg == nil {
		return m
	}
	m.samples = register(reg, m.samples)
	m.bytes = register(reg, m.bytes)
	m.rejected = register(reg, m.rejected)
	m.pruned = register(reg, m.pruned)
	m.archived = register(reg, m.archived)
	m.archiveFailures = register(reg, m.archiveFailures)
	m.dropped = register(reg, m.dropped)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) observeSample(network string, rx, tx int64) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(network).Inc()
	m.bytes.WithLabelValues(network, "rx").Add(float64(rx))
	m.bytes.WithLabelValues(network, "tx").Add(float64(tx))
}

func (m *Metrics) observeRejected() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *Metrics) observeSweep(pruned, archived int) {
	if m == nil {
		return
	}
	m.pruned.Add(float64(pruned))
	m.archived.Add(float64(archived))
}

func (m *Metrics) observeArchiveFailure() {
	if m != nil {
		m.archiveFailures.Inc()
	}
}

// ObserveDrop counts a dropped live stream payload.
func (m *Metrics) ObserveDrop() {
	if m != nil {
		m.dropped.Inc()
	}
}
