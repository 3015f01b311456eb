// Package metrics provides Prometheus collectors for check-ins, receipts,
// sequence allocation and the audit pipeline. Collectors live on a private
// registry exposed through Handler. A nil *Collector is valid and records
// nothing, so services can be built without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gymledger"

// Collector holds every metric the service exports.
type Collector struct {
	registry *prometheus.Registry

	checkIns          *prometheus.CounterVec
	checkInLatency    *prometheus.HistogramVec
	sessionsReversed  prometheus.Counter
	receiptsIssued    *prometheus.CounterVec
	receiptsCancelled prometheus.Counter
	sequenceConflicts *prometheus.CounterVec
	sequenceExhausted *prometheus.CounterVec
	auditDropped      prometheus.Counter
	auditFailed       prometheus.Counter
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.checkIns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkin",
			Name:      "total",
			Help:      "Check-in attempts by service kind and terminal state",
		},
		[]string{"kind", "outcome"},
	)

	c.checkInLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "checkin",
			Name:      "duration_seconds",
			Help:      "Time from scan to terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"outcome"},
	)

	c.sessionsReversed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "sessions_reversed_total",
		Help:      "Session records deleted with their unit returned to the ledger",
	})

	c.receiptsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receipt",
			Name:      "issued_total",
			Help:      "Receipts issued by type",
		},
		[]string{"type"},
	)

	c.receiptsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "receipt",
		Name:      "cancelled_total",
		Help:      "Receipts cancelled with a compensating expense",
	})

	c.sequenceConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "conflicts_total",
			Help:      "Allocation cycles retried after a duplicate identifier",
		},
		[]string{"domain"},
	)

	c.sequenceExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "exhausted_total",
			Help:      "Scan windows found fully taken",
		},
		[]string{"domain"},
	)

	c.auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "dropped_total",
		Help:      "Audit entries dropped because the buffer was full or closed",
	})

	c.auditFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "sink_failures_total",
		Help:      "Audit entries the sink failed to write",
	})

	c.registry.MustRegister(
		c.checkIns,
		c.checkInLatency,
		c.sessionsReversed,
		c.receiptsIssued,
		c.receiptsCancelled,
		c.sequenceConflicts,
		c.sequenceExhausted,
		c.auditDropped,
		c.auditFailed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveCheckIn(kind, outcome string, seconds float64) {
	if c == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	c.checkIns.WithLabelValues(kind, outcome).Inc()
	c.checkInLatency.WithLabelValues(outcome).Observe(seconds)
}

func (c *Collector) SessionReversed() {
	if c == nil {
		return
	}
	c.sessionsReversed.Inc()
}

func (c *Collector) ReceiptIssued(receiptType string) {
	if c == nil {
		return
	}
	c.receiptsIssued.WithLabelValues(receiptType).Inc()
}

func (c *Collector) ReceiptCancelled() {
	if c == nil {
		return
	}
	c.receiptsCancelled.Inc()
}

func (c *Collector) SequenceConflict(domain string) {
	if c == nil {
		return
	}
	c.sequenceConflicts.WithLabelValues(domain).Inc()
}

func (c *Collector) SequenceExhausted(domain string) {
	if c == nil {
		return
	}
	c.sequenceExhausted.WithLabelValues(domain).Inc()
}

func (c *Collector) AuditDropped() {
	if c == nil {
		return
	}
	c.auditDropped.Inc()
}

func (c *Collector) AuditFailed() {
	if c == nil {
		return
	}
	c.auditFailed.Inc()
}
