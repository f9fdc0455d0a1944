// Package metrics provides purchase-reconciliation telemetry.
// It wraps Prometheus collectors on a private registry. A nil *Collector
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records engine metrics.
type Collector struct {
	registry *prometheus.Registry

	purchaseAttempts  *prometheus.CounterVec
	validations       *prometheus.CounterVec
	validationLatency prometheus.Histogram
	loadAttempts      *prometheus.CounterVec
	finishFailures    prometheus.Counter
	recoveryRuns      *prometheus.CounterVec
	restoreOutcomes   *prometheus.CounterVec
	guardTimeouts     prometheus.Counter
	duplicates        prometheus.Counter
	products          prometheus.Gauge
}

// NewCollector creates a collector. An empty namespace defaults to "iapsync".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "iapsync"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.purchaseAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purchase",
			Name:      "attempts_total",
			Help:      "Purchase requests by result (accepted, rejected, cancelled, failed)",
		},
		[]string{"result"},
	)

	c.validations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "validations_total",
			Help:      "Entitlement server verdicts by status",
		},
		[]string{"status"},
	)

	c.validationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "validation_duration_seconds",
			Help:      "Time taken by the entitlement server",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	c.loadAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offering",
			Name:      "load_attempts_total",
			Help:      "Offering load attempts by result",
		},
		[]string{"result"},
	)

	c.finishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purchase",
			Name:      "finish_failures_total",
			Help:      "Failed finish-transaction calls",
		},
	)

	c.recoveryRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "runs_total",
			Help:      "Pending-transaction recovery runs by result",
		},
		[]string{"result"},
	)

	c.restoreOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "outcomes_total",
			Help:      "Restore outcomes by status",
		},
		[]string{"status"},
	)

	c.guardTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purchase",
			Name:      "guard_timeouts_total",
			Help:      "Purchases released by the watchdog",
		},
	)

	c.duplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purchase",
			Name:      "duplicates_total",
			Help:      "Redelivered purchase events short-circuited by the ledger",
		},
	)

	c.products = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "offering",
			Name:      "products",
			Help:      "Number of loaded products",
		},
	)

	c.registry.MustRegister(
		c.purchaseAttempts,
		c.validations,
		c.validationLatency,
		c.loadAttempts,
		c.finishFailures,
		c.recoveryRuns,
		c.restoreOutcomes,
		c.guardTimeouts,
		c.duplicates,
		c.products,
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordPurchaseAttempt counts a purchase request by result.
func (c *Collector) RecordPurchaseAttempt(result string) {
	if c == nil {
		return
	}
	c.purchaseAttempts.WithLabelValues(result).Inc()
}

// RecordValidation counts a server verdict and its latency.
func (c *Collector) RecordValidation(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.validations.WithLabelValues(status).Inc()
	c.validationLatency.Observe(duration.Seconds())
}

// RecordLoadAttempt counts an offering load attempt.
func (c *Collector) RecordLoadAttempt(err error) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	c.loadAttempts.WithLabelValues(result).Inc()
}

// RecordFinishFailure counts a failed finish-transaction call.
func (c *Collector) RecordFinishFailure() {
	if c == nil {
		return
	}
	c.finishFailures.Inc()
}

// RecordRecovery counts a recovery run by result.
func (c *Collector) RecordRecovery(result string) {
	if c == nil {
		return
	}
	c.recoveryRuns.WithLabelValues(result).Inc()
}

// RecordRestore counts a restore outcome.
func (c *Collector) RecordRestore(status string) {
	if c == nil {
		return
	}
	c.restoreOutcomes.WithLabelValues(status).Inc()
}

// RecordGuardTimeout counts a watchdog release.
func (c *Collector) RecordGuardTimeout() {
	if c == nil {
		return
	}
	c.guardTimeouts.Inc()
}

// RecordDuplicate counts a short-circuited redelivery.
func (c *Collector) RecordDuplicate() {
	if c == nil {
		return
	}
	c.duplicates.Inc()
}

// SetProducts records the loaded product count.
func (c *Collector) SetProducts(n int) {
	if c == nil {
		return
	}
	c.products.Set(float64(n))
}
