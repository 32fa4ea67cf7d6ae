package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuscloud/browser-launcher/internal/model"
)

func TestObserveTerminationIncrementsByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveTermination(model.ReasonExpired)
	r.ObserveTermination(model.ReasonExpired)
	r.ObserveTermination(model.ReasonCrashed)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, mf := range metricFamilies {
		if mf.GetName() == "browser_launcher_terminations_total" {
			found = mf
		}
	}
	require.NotNil(t, found)

	totals := map[string]float64{}
	for _, m := range found.Metric {
		for _, l := range m.Label {
			if l.GetName() == "reason" {
				totals[l.GetValue()] = m.Counter.GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, totals["expired"])
	assert.Equal(t, 1.0, totals["crashed"])
}

func TestGaugesAreRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	r.ActiveSessions.Set(3)
	r.PortsInUse.Set(2)
	r.PortsTotal.Set(100)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range metricFamilies {
		names[mf.GetName()] = true
	}
	assert.True(t, names["browser_launcher_active_sessions"])
	assert.True(t, names["browser_launcher_ports_in_use"])
	assert.True(t, names["browser_launcher_ports_total"])
}
