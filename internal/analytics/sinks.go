package analytics

import (
	"context"
	"errors"

	"github.com/patrickwarner/adengine/internal/observability"
)

// PrometheusSink counts answers per question on a Prometheus counter.
type PrometheusSink struct{}

// RecordEvent implements Sink.
func (PrometheusSink) RecordEvent(ctx context.Context, name string, questions []string) error {
	for _, q := range questions {
		observability.OpportunityQuestions.WithLabelValues(name, q).Inc()
	}
	return nil
}

// MultiSink fans an event out to several sinks. Every sink is called even if
// an earlier one fails; the errors are joined. A sink reporting
// ErrUnavailable is skipped silently.
type MultiSink []Sink

// RecordEvent implements Sink.
func (m MultiSink) RecordEvent(ctx context.Context, name string, questions []string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.RecordEvent(ctx, name, questions); err != nil && !errors.Is(err, ErrUnavailable) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
