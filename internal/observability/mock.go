package observability

import (
	"sync"
	"time"
)

var _ MetricsRegistry = (*MockMetricsRegistry)(nil)

// MockMetricsRegistry records the calls tests care about.
type MockMetricsRegistry struct {
	mu            sync.Mutex
	Outcomes      map[string]int // "outcome/reason" -> count
	Opportunities map[string]int
	Drops         map[string]int
	Impressions   map[string]int
	Malformed     int
	Reloads       map[string]int // "resource/status" -> count
	RateLimited   map[string]int
	// StageCandidates keeps every observation per stage.
	StageCandidates map[string][]int
}

// NewMockMetricsRegistry returns an empty recording registry.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{
		Outcomes:        make(map[string]int),
		Opportunities:   make(map[string]int),
		Drops:           make(map[string]int),
		Impressions:     make(map[string]int),
		Reloads:         make(map[string]int),
		RateLimited:     make(map[string]int),
		StageCandidates: make(map[string][]int),
	}
}

func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (m *MockMetricsRegistry) RecordFilterDuration(creativeCount int, result string, duration time.Duration) {
}
func (m *MockMetricsRegistry) ObserveStageCandidates(stage string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StageCandidates[stage] = append(m.StageCandidates[stage], count)
}

func (m *MockMetricsRegistry) IncrementServeOutcome(adType, outcome, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Outcomes[outcome+"/"+reason]++
}

func (m *MockMetricsRegistry) IncrementMalformedCandidates(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Malformed += count
}

func (m *MockMetricsRegistry) IncrementOpportunities(adType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Opportunities[adType]++
}

func (m *MockMetricsRegistry) IncrementOpportunityDrops(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Drops[reason]++
}

func (m *MockMetricsRegistry) IncrementImpressions(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Impressions[status]++
}

func (m *MockMetricsRegistry) IncrementResourceReloads(resource, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reloads[resource+"/"+status]++
}

func (m *MockMetricsRegistry) IncrementRateLimited(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RateLimited[endpoint]++
}

// RateLimitedCount returns rejections recorded for endpoint.
func (m *MockMetricsRegistry) RateLimitedCount(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RateLimited[endpoint]
}

// Outcome returns the count recorded for an outcome/reason pair.
func (m *MockMetricsRegistry) Outcome(outcome, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Outcomes[outcome+"/"+reason]
}

// Malformed count accessor for concurrent tests.
func (m *MockMetricsRegistry) MalformedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Malformed
}
