// Package metrics exposes a small Prometheus registry tracking active
// sessions, port utilization, and termination reasons. Ambient operability,
// never on the launch decision path. Grounded on muqo16-vg-hitbot's use of
// github.com/prometheus/client_golang for its own background-worker metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nimbuscloud/browser-launcher/internal/model"
)

// Registry bundles every metric the worker publishes.
type Registry struct {
	ActiveSessions    prometheus.Gauge
	PortsInUse        prometheus.Gauge
	PortsTotal        prometheus.Gauge
	Terminations      *prometheus.CounterVec
	LaunchAttempts    prometheus.Counter
	LaunchFailures    prometheus.Counter
	LaunchSlotFull    prometheus.Counter
	LaunchDuration    prometheus.Histogram
}

// New registers every metric against reg and returns the Registry handle.
// Pass prometheus.NewRegistry() in production; tests can pass a scratch
// registry to avoid collisions between parallel test cases.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "browser_launcher_active_sessions",
			Help: "Number of browser sessions currently live.",
		}),
		PortsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "browser_launcher_ports_in_use",
			Help: "Number of debug ports currently active (reserved ports are not counted).",
		}),
		PortsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "browser_launcher_ports_total",
			Help: "Total size of the configured debug port range.",
		}),
		Terminations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "browser_launcher_terminations_total",
			Help: "Session terminations, labeled by reason.",
		}, []string{"reason"}),
		LaunchAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "browser_launcher_launch_attempts_total",
			Help: "Total number of launch requests processed.",
		}),
		LaunchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "browser_launcher_launch_failures_total",
			Help: "Total number of launch requests that failed.",
		}),
		LaunchSlotFull: factory.NewCounter(prometheus.CounterOpts{
			Name: "browser_launcher_launch_slot_full_total",
			Help: "Total number of launch requests rejected for lack of capacity.",
		}),
		LaunchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "browser_launcher_launch_duration_seconds",
			Help:    "Time to complete a launch pipeline, successful or not.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveTermination increments the termination counter for reason.
func (r *Registry) ObserveTermination(reason model.TerminationReason) {
	r.Terminations.WithLabelValues(string(reason)).Inc()
}
