package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics
// This replaces direct access to global Prometheus metrics with dependency injection
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Serving metrics
	IncrementServeOutcome(adType, outcome, reason string)
	RecordFilterDuration(creativeCount int, result string, duration time.Duration)
	ObserveStageCandidates(stage string, count int)
	IncrementMalformedCandidates(count int)

	// Opportunity metrics
	IncrementOpportunities(adType string)
	IncrementOpportunityDrops(reason string)

	// History metrics
	IncrementImpressions(status string)

	// Resource metrics
	IncrementResourceReloads(resource, status string)

	// Rate limiting
	IncrementRateLimited(endpoint string)
}

// PrometheusRegistry implements MetricsRegistry using the existing global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// HTTP Request metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Serving metrics
func (r *PrometheusRegistry) IncrementServeOutcome(adType, outcome, reason string) {
	ServeOutcomes.WithLabelValues(adType, outcome, reason).Inc()
}

func (r *PrometheusRegistry) RecordFilterDuration(creativeCount int, result string, duration time.Duration) {
	FilterDuration.WithLabelValues(GetCreativeCountBucket(creativeCount), result).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) ObserveStageCandidates(stage string, count int) {
	FilterStageCandidates.WithLabelValues(stage).Observe(float64(count))
}

func (r *PrometheusRegistry) IncrementMalformedCandidates(count int) {
	MalformedCandidates.Add(float64(count))
}

// Opportunity metrics
func (r *PrometheusRegistry) IncrementOpportunities(adType string) {
	OpportunityCount.WithLabelValues(adType).Inc()
}

func (r *PrometheusRegistry) IncrementOpportunityDrops(reason string) {
	OpportunityDrops.WithLabelValues(reason).Inc()
}

// History metrics
func (r *PrometheusRegistry) IncrementImpressions(status string) {
	ImpressionCount.WithLabelValues(status).Inc()
}

// Resource metrics
func (r *PrometheusRegistry) IncrementResourceReloads(resource, status string) {
	ResourceReloads.WithLabelValues(resource, status).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimited(endpoint string) {
	RateLimited.WithLabelValues(endpoint).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementServeOutcome(adType, outcome, reason string)                 {}
func (r *NoOpRegistry) RecordFilterDuration(creativeCount int, result string, duration time.Duration) {
}
func (r *NoOpRegistry) ObserveStageCandidates(stage string, count int)   {}
func (r *NoOpRegistry) IncrementMalformedCandidates(count int)           {}
func (r *NoOpRegistry) IncrementOpportunities(adType string)             {}
func (r *NoOpRegistry) IncrementOpportunityDrops(reason string)          {}
func (r *NoOpRegistry) IncrementImpressions(status string)               {}
func (r *NoOpRegistry) IncrementResourceReloads(resource, status string) {}
func (r *NoOpRegistry) IncrementRateLimited(endpoint string)             {}
