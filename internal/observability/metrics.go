package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adengine_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adengine_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// serve outcomes labelled by ad type, outcome (served/not_served) and reason
	ServeOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adengine_serve_outcomes_total",
			Help: "Total serving decisions by outcome",
		},
		[]string{"ad_type", "outcome", "reason"},
	)

	// eligibility pipeline duration, bucketed by catalog size
	FilterDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adengine_filter_duration_seconds",
			Help:    "Duration of the eligibility pipeline",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1},
		},
		[]string{"creative_count", "result"},
	)

	// candidates surviving each pipeline stage, one observation per request
	FilterStageCandidates = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adengine_filter_stage_candidates",
			Help:    "Candidates remaining after each eligibility stage",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"stage"},
	)

	// malformed candidates dropped by the orchestrator
	MalformedCandidates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adengine_malformed_candidates_total",
			Help: "Total catalog candidates dropped for missing identifiers",
		},
	)

	// opportunity events handed to the telemetry sink, by ad type
	OpportunityCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adengine_opportunities_total",
			Help: "Total ad opportunities recorded",
		},
		[]string{"ad_type"},
	)

	// opportunity events dropped because the queue was full or the sink failed
	OpportunityDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adengine_opportunity_drops_total",
			Help: "Total opportunity events dropped",
		},
		[]string{"reason"},
	)

	// aggregate opportunity questions, as emitted by the prometheus sink
	OpportunityQuestions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adengine_opportunity_questions_total",
			Help: "Aggregate opportunity answers per question",
		},
		[]string{"event", "question"},
	)

	// number of impression events recorded into history (status label)
	ImpressionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adengine_impressions_total",
			Help: "Total impression events",
		},
		[]string{"status"},
	)

	// resource reloads by resource and status
	ResourceReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adengine_resource_reloads_total",
			Help: "Total catalog and anti-targeting reloads",
		},
		[]string{"resource", "status"},
	)

	// requests rejected by the per-user limiter
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adengine_rate_limited_total",
			Help: "Total requests rejected by the per-user rate limiter",
		},
		[]string{"endpoint"},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		ServeOutcomes,
		FilterDuration,
		FilterStageCandidates,
		MalformedCandidates,
		OpportunityCount,
		OpportunityDrops,
		OpportunityQuestions,
		ImpressionCount,
		ResourceReloads,
		RateLimited,
	)
}

// GetCreativeCountBucket maps a candidate count onto a low-cardinality label.
func GetCreativeCountBucket(count int) string {
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
