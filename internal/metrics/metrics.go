// Package metrics exposes Prometheus collectors for the messaging backend.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors touched by the services and gateway.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	MessagesSent      *prometheus.CounterVec
	PushNotifications *prometheus.CounterVec
	RealtimeSessions  prometheus.Gauge
	RealtimeEvents    *prometheus.CounterVec
	SlowConsumers     prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. onlineUsers, if
// non-nil, backs the online users gauge.
func New(reg *prometheus.Registry, onlineUsers func() int) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hashview",
			Name:      "messages_sent_total",
			Help:      "Messages accepted, by transport.",
		}, []string{"transport"}),
		PushNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hashview",
			Name:      "push_notifications_total",
			Help:      "Push notification attempts per recipient, by result.",
		}, []string{"result"}),
		RealtimeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hashview",
			Name:      "realtime_sessions",
			Help:      "Currently connected realtime sessions.",
		}),
		RealtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hashview",
			Name:      "realtime_events_total",
			Help:      "Inbound realtime events, by type.",
		}, []string{"type"}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hashview",
			Name:      "realtime_slow_consumers_total",
			Help:      "Sessions dropped because their send buffer was full.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(m.MessagesSent, m.PushNotifications, m.RealtimeSessions, m.RealtimeEvents, m.SlowConsumers)
	if onlineUsers != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "hashview",
			Name:      "online_users",
			Help:      "Users with at least one live realtime session.",
		}, func() float64 { return float64(onlineUsers()) }))
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageSent(transport string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(transport).Inc()
}

func (m *Metrics) PushResult(result string) {
	if m == nil {
		return
	}
	m.PushNotifications.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.RealtimeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.RealtimeSessions.Dec()
}

func (m *Metrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.RealtimeEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SlowConsumer() {
	if m == nil {
		return
	}
	m.SlowConsumers.Inc()
}
