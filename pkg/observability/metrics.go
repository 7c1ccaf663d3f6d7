package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeOK           = "ok"
	OutcomeTimeout      = "timeout"
	OutcomeNoResponders = "no_responders"
	OutcomeConnLost     = "connection_lost"
	OutcomeCanceled     = "canceled"
	OutcomeError        = "error"
	OutcomeApplied      = "applied"
	OutcomeIgnored      = "ignored"
	OutcomeComplete     = "complete"
	OutcomeIssues       = "issues"
	OutcomeCached       = "cached"
)

// Metrics holds the collectors shared by the pipeline.
type Metrics struct {
	RPCRequests     *prometheus.CounterVec
	RPCDuration     *prometheus.HistogramVec
	EventsApplied   *prometheus.CounterVec
	TrackedRequests *prometheus.GaugeVec
	Reconstructions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RPCRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailhead_rpc_requests_total",
				Help: "Total number of envelope requests sent, by outcome",
			},
			[]string{"subject", "outcome"},
		),
		RPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trailhead_rpc_duration_seconds",
				Help:    "Round-trip time of envelope requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"subject"},
		),
		EventsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailhead_events_applied_total",
				Help: "Generation events seen by the tracker",
			},
			[]string{"status", "outcome"},
		),
		TrackedRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trailhead_tracked_requests",
				Help: "Requests currently held by the tracker",
			},
			[]string{"status"},
		),
		Reconstructions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailhead_reconstructions_total",
				Help: "Trail reconstructions, by outcome",
			},
			[]string{"outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.RPCRequests, m.RPCDuration, m.EventsApplied, m.TrackedRequests, m.Reconstructions)
	}
	return m
}

// ObserveRPC records one finished request.
func (m *Metrics) ObserveRPC(subject, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RPCRequests.WithLabelValues(subject, outcome).Inc()
	m.RPCDuration.WithLabelValues(subject).Observe(elapsed.Seconds())
}

// ObserveEvent records one event offered to the tracker.
func (m *Metrics) ObserveEvent(status string, applied bool) {
	if m == nil {
		return
	}
	outcome := OutcomeIgnored
	if applied {
		outcome = OutcomeApplied
	}
	m.EventsApplied.WithLabelValues(status, outcome).Inc()
}

// SetTracked publishes the per-status request counts.
func (m *Metrics) SetTracked(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.TrackedRequests.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveReconstruction records one reconstruction outcome.
func (m *Metrics) ObserveReconstruction(outcome string) {
	if m == nil {
		return
	}
	m.Reconstructions.WithLabelValues(outcome).Inc()
}
