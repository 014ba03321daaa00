// Package metrics centralizes the relay's labelled Prometheus counters:
// one per error kind and drop event, plus pipeline-health gauges exported
// on the admin HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the pipeline reports.
type Registry struct {
	EventsAccepted  prometheus.Counter
	EventsRejected  *prometheus.CounterVec
	IngressDropped  prometheus.Counter
	BroadcastDropped *prometheus.CounterVec
	StorageRetries  prometheus.Counter
	StorageDropped  prometheus.Counter
	ConnectionsClosed *prometheus.CounterVec

	IngressDepth     prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
	ActiveConnections   prometheus.Gauge
}

// New constructs and registers a Registry against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		EventsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "events", Name: "accepted_total",
			Help: "Total number of events that passed validation.",
		}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "events", Name: "rejected_total",
			Help: "Total number of events rejected, by error kind.",
		}, []string{"kind"}),
		IngressDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "ingress", Name: "dropped_total",
			Help: "Total number of frames dropped at the hard-full ingress watermark.",
		}),
		BroadcastDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "broadcast", Name: "dropped_total",
			Help: "Total number of deliveries dropped due to a full outbound queue, by reason.",
		}, []string{"reason"}),
		StorageRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "storage", Name: "retries_total",
			Help: "Total number of storage batch retries after transient failures.",
		}),
		StorageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "storage", Name: "dropped_total",
			Help: "Total number of events dropped by the storage path: buffer full or permanent write failure.",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "connections", Name: "closed_total",
			Help: "Total number of connections closed, by reason.",
		}, []string{"reason"}),
		IngressDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Subsystem: "ingress", Name: "queue_depth",
			Help: "Current depth of the ingress queue.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Subsystem: "subscriptions", Name: "active",
			Help: "Current number of installed subscriptions.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Subsystem: "connections", Name: "active",
			Help: "Current number of open connections.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsAccepted, m.EventsRejected, m.IngressDropped, m.BroadcastDropped,
			m.StorageRetries, m.StorageDropped, m.ConnectionsClosed,
			m.IngressDepth, m.ActiveSubscriptions, m.ActiveConnections,
		)
	}
	return m
}
