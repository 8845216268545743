package grower

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewLedgerMetrics tests the creation of ledger metrics
func TestNewLedgerMetrics(t *testing.T) {
	t.Run("with valid registry", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		m := newLedgerMetrics(MetricsConfig{
			Registry:  registry,
			Namespace: "test",
			Subsystem: "bot",
		})

		assert.False(t, m.disabled)
		assert.Equal(t, "test", m.Namespace)
		assert.Equal(t, "bot", m.Subsystem)
		assert.NotNil(t, m.growthTotal)
		assert.NotNil(t, m.growthLengthTotal)
		assert.NotNil(t, m.errorsTotal)
		assert.NotNil(t, m.durationSeconds)
	})

	t.Run("without registry (disabled)", func(t *testing.T) {
		m := newLedgerMetrics(MetricsConfig{})

		assert.NotNil(t, m)
		assert.True(t, m.disabled)
		assert.Nil(t, m.growthTotal)
	})

	t.Run("with custom labels", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		cfg := MetricsConfig{
			Registry: registry,
			ConstLabels: prometheus.Labels{
				"environment": "test",
			},
		}
		m := newLedgerMetrics(cfg)
		m.observeGrowth(1)

		families, err := registry.Gather()
		require.NoError(t, err)
		require.NotEmpty(t, families)
		for _, f := range families {
			for _, metric := range f.GetMetric() {
				var found bool
				for _, l := range metric.GetLabel() {
					if l.GetName() == "environment" && l.GetValue() == "test" {
						found = true
					}
				}
				assert.True(t, found, f.GetName())
			}
		}
	})
}

// TestMetricsDefaultSubsystem tests that metric names use the default subsystem
func TestMetricsDefaultSubsystem(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newLedgerMetrics(MetricsConfig{Registry: registry})
	m.observeGrowth(5)

	expected := `
# HELP grower_growth_length_total Sum of all applied growth deltas
# TYPE grower_growth_length_total counter
grower_growth_length_total 5
`
	err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "grower_growth_length_total")
	assert.NoError(t, err)
}

// TestLedgerMetricsObserveCall tests durations and errors by operation
func TestLedgerMetricsObserveCall(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newLedgerMetrics(MetricsConfig{Registry: registry})

	m.observeCall(MetricsOpCreateOrGrow, 10*time.Millisecond, nil)
	m.observeCall(MetricsOpCreateOrGrow, 20*time.Millisecond, errors.New("boom"))
	m.observeCall(MetricsOpLength, time.Millisecond, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues(MetricsOpCreateOrGrow)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues(MetricsOpLength)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.durationSeconds))
}

// TestStatsMetrics tests stats query metrics
func TestStatsMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newStatsMetrics(MetricsConfig{Registry: registry})

	m.observeCall(MetricsOpTop, time.Millisecond, nil)
	m.observeCall(MetricsOpTop, time.Millisecond, nil)
	m.observeCall(MetricsOpPersonalStats, time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.queriesTotal.WithLabelValues(MetricsOpTop)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queriesTotal.WithLabelValues(MetricsOpPersonalStats)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues(MetricsOpPersonalStats)))
}

// TestMetricsDisabledAndNil tests that disabled and nil metrics are safe to use
func TestMetricsDisabledAndNil(t *testing.T) {
	assert.NotPanics(t, func() {
		ledger := newLedgerMetrics(MetricsConfig{})
		ledger.observeGrowth(1)
		ledger.observeCall(MetricsOpCreateOrGrow, time.Second, errors.New("boom"))

		stats := newStatsMetrics(MetricsConfig{})
		stats.observeCall(MetricsOpTop, time.Second, nil)

		toggles := newTogglesMetrics(MetricsConfig{})
		toggles.incHit()
		toggles.incResolution(true)
		toggles.setCached(1)

		var nilLedger *ledgerMetrics
		nilLedger.observeGrowth(1)
		nilLedger.observeCall(MetricsOpLength, time.Second, nil)

		var nilStats *statsMetrics
		nilStats.observeCall(MetricsOpTop, time.Second, nil)

		var nilToggles *togglesMetrics
		nilToggles.incHit()
		nilToggles.incResolution(false)
		nilToggles.setCached(0)
	})
}

// TestMetricsSharedRegistry tests that all components can share one registry
func TestMetricsSharedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	cfg := MetricsConfig{Registry: registry, Namespace: "app"}

	assert.NotPanics(t, func() {
		newLedgerMetrics(cfg)
		newStatsMetrics(cfg)
		newTogglesMetrics(cfg)
	})
}

// TestMetricsHTTPEndpoint tests that metrics are exposed over HTTP
func TestMetricsHTTPEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newTogglesMetrics(MetricsConfig{Registry: registry})
	m.incHit()
	m.setCached(3)

	server := httptest.NewServer(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "grower_toggles_hits_total 1")
	assert.Contains(t, string(body), "grower_toggles_cached 3")
}
