package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliverycore_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deliverycore_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// number of PullQueue responses that found no fitting delivery
	NoFittingSlotCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deliverycore_no_fitting_slot_total",
			Help: "Total PullQueue responses with no schedulable delivery",
		},
	)

	// number of playback reports received, labelled by outcome
	PlaybackCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliverycore_playback_total",
			Help: "Total playback reports received",
		},
		[]string{"status"},
	)

	// number of Device Sync API events recorded, labelled by type
	EventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliverycore_events_total",
			Help: "Total device sync events recorded",
		},
		[]string{"type"},
	)

	// spend tracked per campaign
	SpendTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deliverycore_spend_total",
			Help: "Total spend recorded",
		},
		[]string{"campaign"},
	)

	// number of errors persisting spend updates
	SpendPersistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deliverycore_spend_persist_errors_total",
			Help: "Total spend persistence errors",
		},
	)

	// rate limit hits per device
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliverycore_ratelimit_hits_total",
			Help: "Total rate limit hits per device",
		},
		[]string{"device_id"},
	)

	// rate limit requests per device
	RateLimitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliverycore_ratelimit_requests_total",
			Help: "Total rate limit requests per device",
		},
		[]string{"device_id"},
	)

	// number of playback reports submitted
	ReportCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deliverycore_reports_total",
			Help: "Total playback reports submitted",
		},
	)

	// external oracle (ContentModerator/ScheduleOptimizer) requests labelled by outcome
	OracleRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliverycore_oracle_requests_total",
			Help: "Total external oracle requests",
		},
		[]string{"oracle", "outcome"},
	)

	// latency of external oracle calls
	OracleLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deliverycore_oracle_duration_seconds",
			Help:    "Duration of external oracle requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"oracle"},
	)

	// distribution of the Pricing Engine's demand adjustment multiplier
	DemandMultiplier = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deliverycore_demand_multiplier",
			Help:    "Histogram of pricing engine demand adjustment multipliers",
			Buckets: prometheus.LinearBuckets(0.7, 0.05, 10),
		},
	)

	// duration of Catalog eligibility filtering
	EligibilityFilterDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "deliverycore_eligibility_filter_duration_seconds",
			Help: "Duration of campaign eligibility filtering",
			Buckets: []float64{
				0.0001, // 100μs
				0.0005, // 500μs
				0.001,  // 1ms
				0.002,  // 2ms
				0.005,  // 5ms
				0.01,   // 10ms
				0.02,   // 20ms
				0.05,   // 50ms
				0.1,    // 100ms
			},
		},
		[]string{"campaign_count_bucket", "result"},
	)

	// number of campaigns remaining after each eligibility filter stage
	EligibilityStageCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deliverycore_eligibility_stage_campaigns",
			Help: "Number of campaigns remaining after each eligibility filter stage",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		NoFittingSlotCount,
		PlaybackCount,
		EventCount,
		SpendTotal,
		SpendPersistErrors,
		RateLimitHits,
		RateLimitRequests,
		ReportCount,
		OracleRequests,
		OracleLatency,
		DemandMultiplier,
		EligibilityFilterDuration,
		EligibilityStageCount,
	)
}

// GetCampaignCountBucket returns a bucket label for the number of campaigns
// under eligibility consideration.
func GetCampaignCountBucket(count int) string {
	switch {
	case count <= 10:
		return "1-10"
	case count <= 50:
		return "11-50"
	case count <= 100:
		return "51-100"
	case count <= 500:
		return "101-500"
	case count <= 1000:
		return "501-1000"
	default:
		return "1000+"
	}
}
