package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("iris", reg)

	m.Dispatches.WithLabelValues("done").Inc()
	m.ProviderSends.WithLabelValues("sms", "success").Add(2)
	m.TriggersFired.Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Dispatches.WithLabelValues("done")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ProviderSends.WithLabelValues("sms", "success")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["iris_dispatches_total"])
	assert.True(t, names["iris_triggers_fired_total"])
}

func TestNewTestMetrics_Independent(t *testing.T) {
	a, b := NewTestMetrics(), NewTestMetrics()
	a.WatcherErrors.Inc()
	assert.Equal(t, float64(0), testutil.ToFloat64(b.WatcherErrors))
}
