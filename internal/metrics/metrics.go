package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "roomsync"

// Metrics holds Prometheus metrics for the offline queue and reconciliation.
type Metrics struct {
	// IntakeResults counts submissions by outcome (confirmed, queued, rejected, failed).
	IntakeResults *prometheus.CounterVec

	// IntentOutcomes counts remote create attempts during reconciliation by outcome.
	IntentOutcomes *prometheus.CounterVec

	// SyncPasses counts passes by result (completed, offline, coalesced).
	SyncPasses *prometheus.CounterVec

	// SyncDuration is the wall time of a completed pass.
	SyncDuration prometheus.Histogram

	// QueueSize is the number of intents left in the queue after the last pass or enqueue.
	QueueSize prometheus.Gauge

	// Online is 1 when the remote service is reachable.
	Online prometheus.Gauge

	// OrphanedRemote counts remote reservations created for intents cancelled mid-flight.
	OrphanedRemote prometheus.Counter

	// RemoteRequests counts calls to the remote booking service by endpoint and status class.
	RemoteRequests *prometheus.CounterVec

	// HTTPRequests counts local API requests by handler.
	HTTPRequests *prometheus.CounterVec
}

// New creates metrics registered on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IntakeResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "intake_results_total",
				Help:      "Reservation submissions by outcome",
			},
			[]string{"result"},
		),
		IntentOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "intent_outcomes_total",
				Help:      "Remote create attempts for queued intents by outcome",
			},
			[]string{"outcome"},
		),
		SyncPasses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "sync_passes_total",
				Help:      "Reconciliation pass triggers by result",
			},
			[]string{"result"},
		),
		SyncDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "sync_pass_duration_seconds",
				Help:      "Duration of completed reconciliation passes",
				Buckets:   []float64{.05, .1, .5, 1, 2, 5, 15, 60},
			},
		),
		QueueSize: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "queue_size",
				Help:      "Intents currently held in the local queue",
			},
		),
		Online: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "online",
				Help:      "Remote booking service reachability (1 online, 0 offline)",
			},
		),
		OrphanedRemote: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "orphaned_remote_total",
				Help:      "Remote reservations created for intents cancelled while in flight",
			},
		),
		RemoteRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "remote_requests_total",
				Help:      "Requests to the remote booking service",
			},
			[]string{"endpoint", "status"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "http_requests_total",
				Help:      "Local API requests by handler",
			},
			[]string{"handler"},
		),
	}
}

// Nop returns metrics bound to a private registry, for callers that do not export them.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) IncIntake(result string) {
	m.IntakeResults.WithLabelValues(result).Inc()
}

func (m *Metrics) IncOutcome(outcome string) {
	m.IntentOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncPass(result string) {
	m.SyncPasses.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePass(seconds float64) {
	m.SyncDuration.Observe(seconds)
}

func (m *Metrics) SetQueueSize(n int) {
	m.QueueSize.Set(float64(n))
}

func (m *Metrics) SetOnline(online bool) {
	if online {
		m.Online.Set(1)
		return
	}
	m.Online.Set(0)
}

func (m *Metrics) IncOrphaned() {
	m.OrphanedRemote.Inc()
}

func (m *Metrics) IncRemote(endpoint, status string) {
	m.RemoteRequests.WithLabelValues(endpoint, status).Inc()
}

func (m *Metrics) IncHTTP(handler string) {
	m.HTTPRequests.WithLabelValues(handler).Inc()
}
