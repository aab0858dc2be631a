package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKPIRingBuffer_BoundedHistory(t *testing.T) {
	// GIVEN a buffer limited to 1000 samples per metric
	b := NewKPIRingBuffer(KPIHistoryLimit)

	// WHEN 2500 samples are recorded
	for tick := int64(1); tick <= 2500; tick++ {
		b.Record(MetricCorruption, float64(tick), tick)
	}

	// THEN only the newest 1000 remain, oldest first
	assert.Equal(t, KPIHistoryLimit, b.Len(MetricCorruption))
	w := b.Window(MetricCorruption, 2500, 5000)
	assert.Len(t, w, KPIHistoryLimit)
	assert.Equal(t, int64(1501), w[0].Tick)
	assert.Equal(t, int64(2500), w[len(w)-1].Tick)
}

func TestKPIRingBuffer_WindowBoundaries(t *testing.T) {
	b := NewKPIRingBuffer(0)
	for tick := int64(1); tick <= 10; tick++ {
		b.Record(MetricPowerDraw, 1, tick)
	}
	w := b.Window(MetricPowerDraw, 8, 3)
	ticks := make([]int64, len(w))
	for i, s := range w {
		ticks[i] = s.Tick
	}
	// (5, 8]
	assert.Equal(t, []int64{6, 7, 8}, ticks)
	assert.Empty(t, b.Window("unknown", 8, 3))
}

func TestKPIRingBuffer_MetricsSorted(t *testing.T) {
	b := NewKPIRingBuffer(0)
	b.Record(MetricQueueDepth, 1, 1)
	b.Record(MetricCorruption, 1, 1)
	assert.Equal(t, []string{MetricCorruption, MetricQueueDepth}, b.Metrics())
}

func TestAggregate(t *testing.T) {
	samples := []KPISample{{Value: 2, Tick: 1}, {Value: 8, Tick: 2}, {Value: 5, Tick: 3}}
	tests := []struct {
		agg  Aggregation
		want float64
	}{
		{"", 5},
		{AggMean, 5},
		{AggMax, 8},
		{AggMin, 2},
		{AggLast, 5},
		{AggSum, 15},
	}
	for _, tt := range tests {
		got, ok := Aggregate(samples, tt.agg)
		assert.True(t, ok)
		assert.InDelta(t, tt.want, got, 1e-12, "agg %q", tt.agg)
	}
	_, ok := Aggregate(nil, AggMax)
	assert.False(t, ok)
}
