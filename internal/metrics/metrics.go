// Package metrics holds the Prometheus instrumentation for the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event processing outcomes used as the status label on
// projector_events_processed_total.
const (
	EventApplied          = "applied"
	EventDecodeFailed     = "decode_failed"
	EventValidationFailed = "validation_failed"
	EventUnknown          = "unknown"
	EventDuplicate        = "duplicate"
	EventDLQ              = "dlq"
)

// Metrics holds all Prometheus metrics for the bridge
type Metrics struct {
	// Outbox metrics
	OutboxCommands *prometheus.CounterVec
	ClaimBatch     prometheus.Histogram

	// Gateway metrics
	SubmitDuration *prometheus.HistogramVec
	BreakerState   prometheus.Gauge

	// Projector metrics
	EventsProcessed    *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	LagBlocks          prometheus.Gauge
	BlockchainHeight   prometheus.Gauge
	CheckpointsSaved   prometheus.Counter
	DeprecatedEvents   *prometheus.CounterVec
}

// New creates and registers all bridge metrics. Pass
// prometheus.DefaultRegisterer in binaries; tests use private registries.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OutboxCommands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_commands_total",
				Help: "Outbox command transitions by resulting status",
			},
			[]string{"status"}, // status: PENDING, COMMITTED, FAILED, RETRY
		),

		ClaimBatch: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outbox_claim_batch_seconds",
				Help:    "Duration of outbox claim batch queries",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),

		SubmitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fabric_submit_duration_seconds",
				Help:    "End-to-end Fabric submit duration including commit wait",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"}, // outcome: committed, or the failure kind
		),

		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Gateway circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
		),

		EventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "projector_events_processed_total",
				Help: "Chaincode events handled by the projector",
			},
			[]string{"event_name", "status"},
		),

		ProcessingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "projector_processing_duration_seconds",
				Help:    "Per-event projection duration including the checkpoint commit",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),

		LagBlocks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "projector_lag_blocks",
				Help: "Blocks between chain tip and the projector checkpoint",
			},
		),

		BlockchainHeight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "projector_blockchain_height",
				Help: "Latest chain height observed via qscc",
			},
		),

		CheckpointsSaved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "projector_checkpoints_saved_total",
				Help: "Checkpoint rows persisted by the projector",
			},
		),

		DeprecatedEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "projector_deprecated_events_total",
				Help: "Events received under a deprecated alias name",
			},
			[]string{"alias", "canonical"},
		),
	}
}

// RecordCommand counts an outbox command transition
func (m *Metrics) RecordCommand(status string) {
	m.OutboxCommands.WithLabelValues(status).Inc()
}

// ObserveClaimBatch records the duration of one claim query
func (m *Metrics) ObserveClaimBatch(seconds float64) {
	m.ClaimBatch.Observe(seconds)
}

// ObserveSubmit records a Fabric submission outcome
func (m *Metrics) ObserveSubmit(outcome string, seconds float64) {
	m.SubmitDuration.WithLabelValues(outcome).Observe(seconds)
}

// SetBreakerState mirrors the gateway breaker state into the gauge
func (m *Metrics) SetBreakerState(state int) {
	m.BreakerState.Set(float64(state))
}

// RecordEvent counts a processed event by outcome
func (m *Metrics) RecordEvent(eventName, status string) {
	m.EventsProcessed.WithLabelValues(eventName, status).Inc()
}

// ObserveProcessing records one event's projection duration
func (m *Metrics) ObserveProcessing(seconds float64) {
	m.ProcessingDuration.Observe(seconds)
}

// RecordDeprecatedAlias counts an event that arrived under a legacy name
func (m *Metrics) RecordDeprecatedAlias(alias, canonical string) {
	m.DeprecatedEvents.WithLabelValues(alias, canonical).Inc()
}

// UpdateChainPosition refreshes height and lag gauges together
func (m *Metrics) UpdateChainPosition(height, checkpointBlock uint64) {
	m.BlockchainHeight.Set(float64(height))
	if height > checkpointBlock {
		m.LagBlocks.Set(float64(height - checkpointBlock))
	} else {
		m.LagBlocks.Set(0)
	}
}

// CheckpointSaved counts one persisted checkpoint
func (m *Metrics) CheckpointSaved() {
	m.CheckpointsSaved.Inc()
}
