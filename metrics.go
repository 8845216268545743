package grower

import (
	"time"

	"github.com/maxbolgarin/lang"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Operation labels for storage metrics
	MetricsOpCreateOrGrow  = "create_or_grow"
	MetricsOpPersonalStats = "personal_stats"
	MetricsOpTop           = "top"
	MetricsOpLength        = "length"
	MetricsOpMergeChats    = "merge_chats"

	defaultSubsystem = "grower"
)

// MetricsHistogramBuckets are buckets for storage call durations (1ms to 10s).
var MetricsHistogramBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// MetricsConfig contains Prometheus settings.
// Metrics are disabled if Registry is nil.
type MetricsConfig struct {
	Registry    prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

type metricsBase struct {
	MetricsConfig
	disabled bool
}

func newMetricsBase(cfg MetricsConfig) metricsBase {
	return metricsBase{
		MetricsConfig: cfg,
		disabled:      cfg.Registry == nil,
	}
}

// ledgerMetrics tracks growth mutations.
type ledgerMetrics struct {
	metricsBase

	growthTotal       prometheus.Counter       // Successful CreateOrGrow calls
	growthLengthTotal prometheus.Counter       // Sum of applied deltas
	errorsTotal       *prometheus.CounterVec   // Storage errors by operation
	durationSeconds   *prometheus.HistogramVec // Storage call duration by operation
}

func newLedgerMetrics(cfg MetricsConfig) *ledgerMetrics {
	m := &ledgerMetrics{metricsBase: newMetricsBase(cfg)}
	if m.disabled {
		return m
	}
	m.growthTotal = m.newSimpleCounter("growth_total", "Total number of successful growth operations")
	m.growthLengthTotal = m.newSimpleCounter("growth_length_total", "Sum of all applied growth deltas")
	m.errorsTotal = m.newCounter("ledger_errors_total", "Total number of ledger storage errors by operation", "op")
	m.durationSeconds = m.newHistogram("ledger_duration_seconds", "Ledger storage call duration in seconds", MetricsHistogramBuckets, "op")
	return m
}

func (m *ledgerMetrics) observeGrowth(delta int64) {
	if m == nil || m.disabled {
		return
	}
	m.growthTotal.Inc()
	m.growthLengthTotal.Add(float64(delta))
}

func (m *ledgerMetrics) observeCall(op string, d time.Duration, err error) {
	if m == nil || m.disabled {
		return
	}
	m.durationSeconds.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.errorsTotal.WithLabelValues(op).Inc()
	}
}

// statsMetrics tracks read-side aggregation.
type statsMetrics struct {
	metricsBase

	queriesTotal    *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	durationSeconds *prometheus.HistogramVec
}

func newStatsMetrics(cfg MetricsConfig) *statsMetrics {
	m := &statsMetrics{metricsBase: newMetricsBase(cfg)}
	if m.disabled {
		return m
	}
	m.queriesTotal = m.newCounter("stats_queries_total", "Total number of stats queries by operation", "op")
	m.errorsTotal = m.newCounter("stats_errors_total", "Total number of stats query errors by operation", "op")
	m.durationSeconds = m.newHistogram("stats_duration_seconds", "Stats query duration in seconds", MetricsHistogramBuckets, "op")
	return m
}

func (m *statsMetrics) observeCall(op string, d time.Duration, err error) {
	if m == nil || m.disabled {
		return
	}
	m.queriesTotal.WithLabelValues(op).Inc()
	m.durationSeconds.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.errorsTotal.WithLabelValues(op).Inc()
	}
}

// togglesMetrics tracks command toggle lookups.
type togglesMetrics struct {
	metricsBase

	hitsTotal        prometheus.Counter
	resolutionsTotal *prometheus.CounterVec // labeled by resolved value
	cached           prometheus.Gauge
}

func newTogglesMetrics(cfg MetricsConfig) *togglesMetrics {
	m := &togglesMetrics{metricsBase: newMetricsBase(cfg)}
	if m.disabled {
		return m
	}
	m.hitsTotal = m.newSimpleCounter("toggles_hits_total", "Total number of toggle lookups served from cache")
	m.resolutionsTotal = m.newCounter("toggles_resolutions_total", "Total number of toggle resolutions from environment", "enabled")
	m.cached = m.newSimpleGauge("toggles_cached", "Number of cached toggles")
	return m
}

func (m *togglesMetrics) incHit() {
	if m == nil || m.disabled {
		return
	}
	m.hitsTotal.Inc()
}

func (m *togglesMetrics) incResolution(enabled bool) {
	if m == nil || m.disabled {
		return
	}
	m.resolutionsTotal.WithLabelValues(lang.If(enabled, "true", "false")).Inc()
}

func (m *togglesMetrics) setCached(n int) {
	if m == nil || m.disabled {
		return
	}
	m.cached.Set(float64(n))
}

// newCounter creates a new CounterVec and registers it.
// Uses the configured subsystem or defaults to "grower".
func (r *metricsBase) newCounter(name, help string, labelNames ...string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   r.Namespace,
			Subsystem:   lang.Check(r.Subsystem, defaultSubsystem),
			Name:        name,
			Help:        help,
			ConstLabels: r.ConstLabels,
		},
		labelNames,
	)
	r.Registry.MustRegister(counter)
	return counter
}

// newHistogram creates a new HistogramVec with the given buckets and registers it.
func (r *metricsBase) newHistogram(name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   r.Namespace,
			Subsystem:   lang.Check(r.Subsystem, defaultSubsystem),
			Name:        name,
			Help:        help,
			ConstLabels: r.ConstLabels,
			Buckets:     buckets,
		},
		labelNames,
	)
	r.Registry.MustRegister(histogram)
	return histogram
}

// newSimpleCounter creates a new Counter and registers it.
func (r *metricsBase) newSimpleCounter(name, help string) prometheus.Counter {
	counter := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   r.Namespace,
			Subsystem:   lang.Check(r.Subsystem, defaultSubsystem),
			Name:        name,
			Help:        help,
			ConstLabels: r.ConstLabels,
		},
	)
	r.Registry.MustRegister(counter)
	return counter
}

// newSimpleGauge creates a new Gauge and registers it.
func (r *metricsBase) newSimpleGauge(name, help string) prometheus.Gauge {
	gauge := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   r.Namespace,
			Subsystem:   lang.Check(r.Subsystem, defaultSubsystem),
			Name:        name,
			Help:        help,
			ConstLabels: r.ConstLabels,
		},
	)
	r.Registry.MustRegister(gauge)
	return gauge
}
