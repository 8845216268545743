package grower

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestPrepareOptsDefaults(t *testing.T) {
	opts := prepareOpts()

	assert.Equal(t, defaultQueryTimeout, opts.QueryTimeout)
	assert.Equal(t, defaultTopLimit, opts.TopLimit)
	assert.Equal(t, defaultStatsWorkers, opts.StatsWorkers)
	assert.NotNil(t, opts.Logger)
	assert.Nil(t, opts.Metrics.Registry)
}

func TestWithOptionsHelpers(t *testing.T) {
	logger := new(MockLogger)
	registry := prometheus.NewRegistry()

	opts := prepareOpts(
		WithLogger(logger),
		WithMetrics(MetricsConfig{Registry: registry, Namespace: "app"}),
		WithQueryTimeout(250*time.Millisecond),
		WithTopLimit(3),
		WithStatsWorkers(2),
		WithDebug(),
	)

	assert.Same(t, logger, opts.Logger)
	assert.Equal(t, registry, opts.Metrics.Registry)
	assert.Equal(t, "app", opts.Metrics.Namespace)
	assert.Equal(t, 250*time.Millisecond, opts.QueryTimeout)
	assert.Equal(t, 3, opts.TopLimit)
	assert.Equal(t, 2, opts.StatsWorkers)
	assert.True(t, opts.Debug)
}

func TestPrepareLogger(t *testing.T) {
	logger := new(MockLogger)

	assert.Same(t, logger, prepareLogger(logger, false, false))
	assert.Equal(t, noopLogger{}, prepareLogger(logger, false, true))
	assert.NotNil(t, prepareLogger(nil, true, false))
	assert.NotEqual(t, noopLogger{}, prepareLogger(nil, false, false))
}
