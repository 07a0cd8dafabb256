package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/adengine/internal/observability"
)

func TestClickHouseSink_Unavailable(t *testing.T) {
	var nilSink *ClickHouseSink
	assert.ErrorIs(t, nilSink.RecordEvent(context.Background(), "e", []string{"q"}), ErrUnavailable)

	sink := &ClickHouseSink{}
	assert.ErrorIs(t, sink.RecordEvent(context.Background(), "e", []string{"q"}), ErrUnavailable)
	_, err := sink.QuestionCounts(context.Background(), time.Now())
	assert.ErrorIs(t, err, ErrUnavailable)
	sink.Close()
}

func TestPrometheusSink(t *testing.T) {
	c := observability.OpportunityQuestions.WithLabelValues("test_opportunity", "test.question")
	before := testutil.ToFloat64(c)

	require.NoError(t, PrometheusSink{}.RecordEvent(context.Background(), "test_opportunity", []string{"test.question", "test.question"}))
	assert.Equal(t, before+2, testutil.ToFloat64(c))
}

func TestMultiSink(t *testing.T) {
	a := NewMockSink()
	b := NewMockSink()
	failing := &MockSink{Err: errors.New("boom")}
	unavailable := &ClickHouseSink{}

	err := MultiSink{a, failing, unavailable, nil, b}.RecordEvent(context.Background(), "ev", []string{"q1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.NotErrorIs(t, err, ErrUnavailable)

	assert.Equal(t, []Event{{Name: "ev", Questions: []string{"q1"}}}, a.Events())
	assert.Equal(t, a.Events(), b.Events())

	assert.NoError(t, MultiSink{a, unavailable}.RecordEvent(context.Background(), "ev", nil))
}

func TestMockSink_CopiesQuestions(t *testing.T) {
	m := NewMockSink()
	qs := []string{"a"}
	require.NoError(t, m.RecordEvent(context.Background(), "ev", qs))
	qs[0] = "mutated"
	assert.Equal(t, "a", m.Events()[0].Questions[0])
}
