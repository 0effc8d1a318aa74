package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the platform core
type Metrics struct {
	// Request metrics
	RequestTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Security metrics
	SecurityFailures *prometheus.CounterVec
	DPoPReplays      prometheus.Counter

	// Admission metrics
	RateLimitDenials *prometheus.CounterVec
	BulkSlotsInUse   *prometheus.GaugeVec

	// Event pipeline metrics
	OutboxLag        prometheus.Gauge
	EventsDispatched prometheus.Counter

	// Saga metrics
	SagaOutcomes *prometheus.CounterVec
	SagaSteps    *prometheus.CounterVec

	// Use-case metrics
	ConsentTransitions *prometheus.CounterVec
	BulkFilesSubmitted *prometheus.CounterVec
	FxDealsBooked      prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ofcore_requests_total",
				Help: "Total number of inbound requests by endpoint and verdict",
			},
			[]string{"endpoint", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ofcore_request_duration_seconds",
				Help:    "Duration of inbound request handling",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),

		SecurityFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ofcore_security_failures_total",
				Help: "FAPI envelope rejections by error code",
			},
			[]string{"code"},
		),

		DPoPReplays: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ofcore_dpop_replays_total",
				Help: "DPoP proofs rejected as jti replays",
			},
		),

		RateLimitDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ofcore_rate_limit_denials_total",
				Help: "Requests denied by the sliding-window rate limiter",
			},
			[]string{"participant_id", "scope"},
		),

		BulkSlotsInUse: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ofcore_bulk_slots_in_use",
				Help: "Concurrent bulk submissions currently held per participant",
			},
			[]string{"participant_id"},
		),

		OutboxLag: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ofcore_outbox_lag",
				Help: "Undispatched outbox entries",
			},
		),

		EventsDispatched: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ofcore_events_dispatched_total",
				Help: "Events published from the outbox to the bus",
			},
		),

		SagaOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ofcore_saga_outcomes_total",
				Help: "Final saga statuses by type",
			},
			[]string{"saga_type", "status"},
		),

		SagaSteps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ofcore_saga_steps_total",
				Help: "Saga step executions by step name and result",
			},
			[]string{"step", "result"},
		),

		ConsentTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ofcore_consent_transitions_total",
				Help: "Consent state transitions by target status",
			},
			[]string{"status"},
		),

		BulkFilesSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ofcore_bulk_files_submitted_total",
				Help: "Bulk files submitted by target status",
			},
			[]string{"target_status"},
		),

		FxDealsBooked: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ofcore_fx_deals_booked_total",
				Help: "FX deals booked",
			},
		),
	}
}

// RecordRequest records one handled request
func (m *Metrics) RecordRequest(endpoint string, status int, seconds float64) {
	m.RequestTotal.WithLabelValues(endpoint, statusClass(status)).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(seconds)
}

// RecordSecurityFailure records an envelope rejection
func (m *Metrics) RecordSecurityFailure(code string) {
	m.SecurityFailures.WithLabelValues(code).Inc()
	if code == "invalid_dpop_proof" {
		m.DPoPReplays.Inc()
	}
}

// RecordRateLimitDenial records a 429
func (m *Metrics) RecordRateLimitDenial(participantID, scope string) {
	m.RateLimitDenials.WithLabelValues(participantID, scope).Inc()
}

// SetOutboxLag publishes the dispatcher's current lag
func (m *Metrics) SetOutboxLag(lag int) {
	m.OutboxLag.Set(float64(lag))
}

// RecordSagaOutcome records a saga's final status
func (m *Metrics) RecordSagaOutcome(sagaType, status string) {
	m.SagaOutcomes.WithLabelValues(sagaType, status).Inc()
}

func statusClass(status int) string {
	switch {
	case status < 300:
		return "success"
	case status < 500:
		return "client_error"
	default:
		return "server_error"
	}
}
