package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics.
// This replaces direct access to global Prometheus metrics with dependency
// injection.
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Scheduler metrics
	IncrementNoFittingSlot()

	// Delivery Tracker metrics
	IncrementPlayback(status string)
	IncrementEvent(eventType string)

	// Billing metrics
	SetSpendTotal(campaign string, amount float64)
	IncrementSpendPersistErrors()

	// Rate limiting metrics
	IncrementRateLimitRequests(deviceID string)
	IncrementRateLimitHits(deviceID string)

	// Playback report metrics
	IncrementReports()

	// External oracle metrics (ContentModerator, ScheduleOptimizer, AudienceAnalyzer)
	IncrementOracleRequests(oracle, outcome string)
	RecordOracleLatency(oracle string, duration time.Duration)

	// Pricing engine metrics
	RecordDemandMultiplier(multiplier float64)
}

// PrometheusRegistry implements MetricsRegistry using the package's global Prometheus metrics.
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry.
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementNoFittingSlot() {
	NoFittingSlotCount.Inc()
}

func (r *PrometheusRegistry) IncrementPlayback(status string) {
	PlaybackCount.WithLabelValues(status).Inc()
}

func (r *PrometheusRegistry) IncrementEvent(eventType string) {
	EventCount.WithLabelValues(eventType).Inc()
}

func (r *PrometheusRegistry) SetSpendTotal(campaign string, amount float64) {
	SpendTotal.WithLabelValues(campaign).Set(amount)
}

func (r *PrometheusRegistry) IncrementSpendPersistErrors() {
	SpendPersistErrors.Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitRequests(deviceID string) {
	RateLimitRequests.WithLabelValues(deviceID).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(deviceID string) {
	RateLimitHits.WithLabelValues(deviceID).Inc()
}

func (r *PrometheusRegistry) IncrementReports() {
	ReportCount.Inc()
}

func (r *PrometheusRegistry) IncrementOracleRequests(oracle, outcome string) {
	OracleRequests.WithLabelValues(oracle, outcome).Inc()
}

func (r *PrometheusRegistry) RecordOracleLatency(oracle string, duration time.Duration) {
	OracleLatency.WithLabelValues(oracle).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) RecordDemandMultiplier(multiplier float64) {
	DemandMultiplier.Observe(multiplier)
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing.
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry.
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementNoFittingSlot()                                              {}
func (r *NoOpRegistry) IncrementPlayback(status string)                                      {}
func (r *NoOpRegistry) IncrementEvent(eventType string)                                       {}
func (r *NoOpRegistry) SetSpendTotal(campaign string, amount float64)                         {}
func (r *NoOpRegistry) IncrementSpendPersistErrors()                                          {}
func (r *NoOpRegistry) IncrementRateLimitRequests(deviceID string)                             {}
func (r *NoOpRegistry) IncrementRateLimitHits(deviceID string)                                 {}
func (r *NoOpRegistry) IncrementReports()                                                     {}
func (r *NoOpRegistry) IncrementOracleRequests(oracle, outcome string)                         {}
func (r *NoOpRegistry) RecordOracleLatency(oracle string, duration time.Duration)              {}
func (r *NoOpRegistry) RecordDemandMultiplier(multiplier float64)                              {}
