// Package metrics exposes the Prometheus counters roommanager updates for
// hosts that scrape rather than consume OpenTelemetry exports.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the counters/gauges roomsync publishes. Callers expose
// it via promhttp.HandlerFor(m.Registry, ...) on whatever mux they run.
type Registry struct {
	Registry *prometheus.Registry

	RoomsActive       prometheus.Gauge
	RoomsReapedTotal  prometheus.Counter
	PublishTotal      prometheus.Counter
	CallbackDispatch  prometheus.Counter
	ReaperErrorsTotal prometheus.Counter
}

// New builds and registers the roomsync metric set on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		Registry: reg,
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomsync_rooms_active",
			Help: "Number of Room instances currently held by the manager.",
		}),
		RoomsReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_rooms_reaped_total",
			Help: "Number of consumer rooms destroyed by the idle reaper.",
		}),
		PublishTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_publish_total",
			Help: "Number of Manager.Publish calls that wrote to the store.",
		}),
		CallbackDispatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_callback_dispatch_total",
			Help: "Number of onData callback invocations across all rooms.",
		}),
		ReaperErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_reaper_errors_total",
			Help: "Number of store errors encountered during reaper iterations.",
		}),
	}

	reg.MustRegister(
		m.RoomsActive,
		m.RoomsReapedTotal,
		m.PublishTotal,
		m.CallbackDispatch,
		m.ReaperErrorsTotal,
	)
	return m
}
