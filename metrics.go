package mktdata

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mktdata"

// Metrics holds the client's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	events        *prometheus.CounterVec
	messages      *prometheus.CounterVec
	orphans       prometheus.Counter
	startAttempts prometheus.Counter
	authOutcomes  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Inbound events by event type.",
		}, []string{"type"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Inbound messages by message type.",
		}, []string{"type"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "orphan_messages_total",
			Help:      "Inbound messages whose correlation id was not outstanding.",
		}),
		startAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_start_attempts_total",
			Help:      "Endpoint dials made while starting or restarting sessions.",
		}),
		authOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "authorizations_total",
			Help:      "Completed authorization handshakes by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{m.events, m.messages, m.orphans, m.startAttempts, m.authOutcomes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeEvent(ev Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(ev.Type)).Inc()
	for _, msg := range ev.Messages {
		m.messages.WithLabelValues(msg.Type).Inc()
	}
}

func (m *Metrics) orphan() {
	if m == nil {
		return
	}
	m.orphans.Inc()
}

func (m *Metrics) startAttempt() {
	if m == nil {
		return
	}
	m.startAttempts.Inc()
}

func (m *Metrics) authOutcome(ok bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.authOutcomes.WithLabelValues(outcome).Inc()
}
