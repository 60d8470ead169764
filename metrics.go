package chatsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the chat engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	MessagesSent      prometheus.Counter
	MessagesConfirmed prometheus.Counter
	MessagesFailed    prometheus.Counter
	DuplicateEvents   *prometheus.CounterVec
	ReactionRollbacks prometheus.Counter
	TypingPeers       prometheus.Gauge
	ConfirmLatency    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Total number of optimistic message sends",
		}),
		MessagesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_confirmed_total",
			Help: "Total number of optimistic messages promoted to confirmed",
		}),
		MessagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_failed_total",
			Help: "Total number of sends that ended in the failed state",
		}),
		DuplicateEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_duplicate_events_total",
			Help: "Total number of realtime events dropped as duplicates",
		}, []string{"kind"}),
		ReactionRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reaction_rollbacks_total",
			Help: "Total number of optimistic reactions rolled back",
		}),
		TypingPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_typing_peers",
			Help: "Number of remote participants currently active in open rooms",
		}),
		ConfirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatsync_confirm_latency_seconds",
			Help:    "Time from optimistic send to realtime confirmation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesSent, m.MessagesConfirmed, m.MessagesFailed,
			m.DuplicateEvents, m.ReactionRollbacks, m.TypingPeers, m.ConfirmLatency,
		)
	}
	return m
}

func (m *Metrics) sent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) confirmed(since time.Time) {
	if m == nil {
		return
	}
	m.MessagesConfirmed.Inc()
	if !since.IsZero() {
		m.ConfirmLatency.Observe(time.Since(since).Seconds())
	}
}

func (m *Metrics) failed() {
	if m != nil {
		m.MessagesFailed.Inc()
	}
}

func (m *Metrics) duplicate(kind string) {
	if m != nil {
		m.DuplicateEvents.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) rollback() {
	if m != nil {
		m.ReactionRollbacks.Inc()
	}
}

func (m *Metrics) peers(delta int) {
	if m != nil {
		m.TypingPeers.Add(float64(delta))
	}
}
