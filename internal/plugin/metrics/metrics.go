// Package metrics exposes per-plugin runtime counters on a Prometheus
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the plugin runtime metric vectors, labelled by plugin
// id so one set of collectors serves every loaded plugin.
type Registry struct {
	eventsEmitted     *prometheus.CounterVec
	eventsDelivered   *prometheus.CounterVec
	handlerErrors     *prometheus.CounterVec
	permissionDenials *prometheus.CounterVec
	invocations       *prometheus.CounterVec
	invokeTimeouts    *prometheus.CounterVec
	cpuSeconds        *prometheus.CounterVec
	storageBytes      *prometheus.GaugeVec
}

// NewRegistry creates the metric vectors and registers them on reg.
// A nil reg registers nothing, which keeps tests quiet.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		eventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chive",
				Subsystem: "plugin",
				Name:      "events_emitted_total",
				Help:      "Events emitted by each plugin",
			},
			[]string{"plugin"},
		),
		eventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chive",
				Subsystem: "plugin",
				Name:      "events_delivered_total",
				Help:      "Events delivered to each plugin's handlers",
			},
			[]string{"plugin"},
		),
		handlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chive",
				Subsystem: "plugin",
				Name:      "handler_errors_total",
				Help:      "Event handler failures per plugin",
			},
			[]string{"plugin"},
		),
		permissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chive",
				Subsystem: "plugin",
				Name:      "permission_denials_total",
				Help:      "Denied capability requests per plugin and action",
			},
			[]string{"plugin", "action"},
		),
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chive",
				Subsystem: "plugin",
				Name:      "invocations_total",
				Help:      "Sandbox function invocations per plugin",
			},
			[]string{"plugin"},
		),
		invokeTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chive",
				Subsystem: "plugin",
				Name:      "invoke_timeouts_total",
				Help:      "Sandbox invocations aborted by the watchdog timeout",
			},
			[]string{"plugin"},
		),
		cpuSeconds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chive",
				Subsystem: "plugin",
				Name:      "cpu_seconds_total",
				Help:      "Execution time consumed inside each plugin sandbox",
			},
			[]string{"plugin"},
		),
		storageBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "chive",
				Subsystem: "plugin",
				Name:      "storage_bytes",
				Help:      "Bytes held in each plugin's storage namespace",
			},
			[]string{"plugin"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			r.eventsEmitted,
			r.eventsDelivered,
			r.handlerErrors,
			r.permissionDenials,
			r.invocations,
			r.invokeTimeouts,
			r.cpuSeconds,
			r.storageBytes,
		)
	}
	return r
}

// ForPlugin returns the label-bound view for one plugin id.
func (r *Registry) ForPlugin(id string) *PluginMetrics {
	return &PluginMetrics{reg: r, id: id}
}

// Remove drops every series labelled with the plugin id. Called on
// unload so a removed plugin stops appearing in scrapes.
func (r *Registry) Remove(id string) {
	labels := prometheus.Labels{"plugin": id}
	r.eventsEmitted.Delete(labels)
	r.eventsDelivered.Delete(labels)
	r.handlerErrors.Delete(labels)
	r.permissionDenials.DeletePartialMatch(labels)
	r.invocations.Delete(labels)
	r.invokeTimeouts.Delete(labels)
	r.cpuSeconds.Delete(labels)
	r.storageBytes.Delete(labels)
}

// PluginMetrics is the per-plugin recording surface handed to a plugin
// context. All methods are safe on a nil receiver so callers never need
// to guard.
type PluginMetrics struct {
	reg *Registry
	id  string
}

// EventEmitted counts one emit by the plugin.
func (p *PluginMetrics) EventEmitted() {
	if p == nil {
		return
	}
	p.reg.eventsEmitted.WithLabelValues(p.id).Inc()
}

// EventDelivered counts one event handed to the plugin's handlers.
func (p *PluginMetrics) EventDelivered() {
	if p == nil {
		return
	}
	p.reg.eventsDelivered.WithLabelValues(p.id).Inc()
}

// HandlerError counts one failed handler run.
func (p *PluginMetrics) HandlerError() {
	if p == nil {
		return
	}
	p.reg.handlerErrors.WithLabelValues(p.id).Inc()
}

// PermissionDenied counts one denied capability request.
func (p *PluginMetrics) PermissionDenied(action string) {
	if p == nil {
		return
	}
	p.reg.permissionDenials.WithLabelValues(p.id, action).Inc()
}

// Invocation counts one sandbox function call.
func (p *PluginMetrics) Invocation() {
	if p == nil {
		return
	}
	p.reg.invocations.WithLabelValues(p.id).Inc()
}

// InvokeTimeout counts one watchdog abort.
func (p *PluginMetrics) InvokeTimeout() {
	if p == nil {
		return
	}
	p.reg.invokeTimeouts.WithLabelValues(p.id).Inc()
}

// CPUSeconds adds sandbox execution time.
func (p *PluginMetrics) CPUSeconds(s float64) {
	if p == nil {
		return
	}
	p.reg.cpuSeconds.WithLabelValues(p.id).Add(s)
}

// SetStorageBytes records the plugin's current storage footprint.
func (p *PluginMetrics) SetStorageBytes(n int64) {
	if p == nil {
		return
	}
	p.reg.storageBytes.WithLabelValues(p.id).Set(float64(n))
}
