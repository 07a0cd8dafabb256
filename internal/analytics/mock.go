package analytics

import (
	"context"
	"sync"
)

var _ Sink = (*MockSink)(nil)

// Event is a recorded call to MockSink.
type Event struct {
	Name      string
	Questions []string
}

// MockSink records events in memory for tests.
type MockSink struct {
	mu     sync.Mutex
	events []Event
	// Err, when set, is returned from every RecordEvent call.
	Err error
	// Block, when non-nil, is waited on before recording.
	Block chan struct{}
}

// NewMockSink returns an empty MockSink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

// RecordEvent records the event (mock implementation)
func (m *MockSink) RecordEvent(ctx context.Context, name string, questions []string) error {
	if m.Block != nil {
		<-m.Block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, Event{Name: name, Questions: append([]string(nil), questions...)})
	return nil
}

// Events returns a copy of the recorded events.
func (m *MockSink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
