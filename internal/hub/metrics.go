package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the hub's Prometheus collectors. A nil *Metrics disables
// instrumentation, which keeps tests and embedded use free of a registry.
type Metrics struct {
	EventsIngested      *prometheus.CounterVec
	EventsRejected      prometheus.Counter
	Subscribers         prometheus.Gauge
	SubscribersDropped  prometheus.Counter
	HeartbeatsEmitted   prometheus.Counter
}

// NewMetrics creates and registers the hub collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waverun",
			Subsystem: "hub",
			Name:      "events_ingested_total",
			Help:      "Events accepted by the hub, by event type.",
		}, []string{"type"}),
		EventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waverun",
			Subsystem: "hub",
			Name:      "events_rejected_total",
			Help:      "Events rejected at the ingest boundary.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "waverun",
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Currently attached subscribers.",
		}),
		SubscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waverun",
			Subsystem: "hub",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers disconnected for falling behind.",
		}),
		HeartbeatsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waverun",
			Subsystem: "hub",
			Name:      "heartbeats_total",
			Help:      "Heartbeat events emitted for active runs.",
		}),
	}
	reg.MustRegister(m.EventsIngested, m.EventsRejected, m.Subscribers, m.SubscribersDropped, m.HeartbeatsEmitted)
	return m
}

func (m *Metrics) ingested(eventType string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(eventType).Inc()
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.EventsRejected.Inc()
}

func (m *Metrics) subscriberDelta(d float64) {
	if m == nil {
		return
	}
	m.Subscribers.Add(d)
}

func (m *Metrics) subscriberDropped() {
	if m == nil {
		return
	}
	m.SubscribersDropped.Inc()
}

func (m *Metrics) heartbeat() {
	if m == nil {
		return
	}
	m.HeartbeatsEmitted.Inc()
}
