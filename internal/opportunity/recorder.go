package opportunity

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adengine/internal/analytics"
	"github.com/patrickwarner/adengine/internal/models"
	"github.com/patrickwarner/adengine/internal/observability"
)

// sinkTimeout bounds a single delivery to the telemetry sink.
const sinkTimeout = 5 * time.Second

type event struct {
	name      string
	questions []string
}

// Recorder hands opportunity events to a sink on a background worker.
// RecordOpportunity never blocks: when the queue is full the event is
// dropped and counted.
type Recorder struct {
	sink    analytics.Sink
	metrics observability.MetricsRegistry
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	events chan event
	wg     sync.WaitGroup
}

// NewRecorder starts a recorder with a queue of bufferSize events.
func NewRecorder(sink analytics.Sink, bufferSize int, metrics observability.MetricsRegistry, logger *zap.Logger) *Recorder {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		sink:    sink,
		metrics: metrics,
		logger:  logger,
		events:  make(chan event, bufferSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// RecordOpportunity queues an opportunity for adType over the request's segments.
func (r *Recorder) RecordOpportunity(adType models.AdType, segments []string) {
	ev := event{
		name:      EventName(adType),
		questions: CreateAdOpportunityQuestionList(segments),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.IncrementOpportunityDrops("closed")
		return
	}
	select {
	case r.events <- ev:
		r.metrics.IncrementOpportunities(adType.String())
	default:
		r.metrics.IncrementOpportunityDrops("queue_full")
		r.logger.Warn("opportunity queue full, dropping event", zap.String("event", ev.name))
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for ev := range r.events {
		r.deliver(ev)
	}
}

func (r *Recorder) deliver(ev event) {
	if r.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := r.sink.RecordEvent(ctx, ev.name, ev.questions); err != nil {
		if errors.Is(err, analytics.ErrUnavailable) {
			return
		}
		r.metrics.IncrementOpportunityDrops("sink_error")
		r.logger.Warn("record opportunity", zap.String("event", ev.name), zap.Error(err))
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()
	r.wg.Wait()
}
