package opportunity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/adengine/internal/analytics"
	"github.com/patrickwarner/adengine/internal/models"
	"github.com/patrickwarner/adengine/internal/observability"
)

func TestCreateAdOpportunityQuestionList(t *testing.T) {
	tests := []struct {
		name     string
		segments []string
		expected []string
	}{
		{
			name:     "no segments",
			segments: nil,
			expected: []string{TotalQuestion},
		},
		{
			name:     "parents deduplicated",
			segments: []string{"technology & computing-software", "technology & computing", "sports-golf"},
			expected: []string{
				SegmentQuestionPrefix + "technologycomputing",
				SegmentQuestionPrefix + "sports",
				TotalQuestion,
			},
		},
		{
			name:     "unknown parents collapse into other",
			segments: []string{"quantum-widgets", "underwater-basketry", "travel"},
			expected: []string{
				SegmentQuestionPrefix + "other",
				SegmentQuestionPrefix + "travel",
				TotalQuestion,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CreateAdOpportunityQuestionList(tt.segments))
		})
	}
}

func TestEventName(t *testing.T) {
	assert.Equal(t, "inline_content_ad_opportunity", EventName(models.AdTypeInlineContent))
}

func TestRecorder_DeliversOnClose(t *testing.T) {
	sink := analytics.NewMockSink()
	metrics := observability.NewMockMetricsRegistry()
	r := NewRecorder(sink, 8, metrics, nil)

	r.RecordOpportunity(models.AdTypeInlineContent, []string{"sports-golf"})
	r.RecordOpportunity(models.AdTypeNotification, nil)
	r.Close()

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "inline_content_ad_opportunity", events[0].Name)
	assert.Equal(t, []string{SegmentQuestionPrefix + "sports", TotalQuestion}, events[0].Questions)
	assert.Equal(t, "ad_notification_opportunity", events[1].Name)
	assert.Equal(t, 1, metrics.Opportunities["inline_content_ad"])

	// closed recorders drop instead of panicking
	r.RecordOpportunity(models.AdTypeInlineContent, nil)
	r.Close()
	assert.Equal(t, 1, metrics.Drops["closed"])
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	sink := analytics.NewMockSink()
	sink.Block = make(chan struct{})
	metrics := observability.NewMockMetricsRegistry()
	r := NewRecorder(sink, 1, metrics, nil)

	// the worker takes at most one event off the queue while blocked, so
	// with a queue of one at least one of these three must be dropped
	for i := 0; i < 3; i++ {
		r.RecordOpportunity(models.AdTypeInlineContent, nil)
	}
	close(sink.Block)
	r.Close()

	delivered := len(sink.Events())
	assert.GreaterOrEqual(t, metrics.Drops["queue_full"], 1)
	assert.Equal(t, 3, delivered+metrics.Drops["queue_full"])
}

func TestRecorder_SinkErrorsAreCounted(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	r := NewRecorder(&analytics.MockSink{Err: errors.New("down")}, 4, metrics, nil)
	r.RecordOpportunity(models.AdTypeInlineContent, nil)
	r.Close()
	assert.Equal(t, 1, metrics.Drops["sink_error"])

	metrics = observability.NewMockMetricsRegistry()
	r = NewRecorder(&analytics.ClickHouseSink{}, 4, metrics, nil)
	r.RecordOpportunity(models.AdTypeInlineContent, nil)
	r.Close()
	assert.Zero(t, metrics.Drops["sink_error"])
}
