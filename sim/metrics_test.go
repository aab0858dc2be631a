package sim

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsSnapshot_DisplayedAppliesIllusions(t *testing.T) {
	// GIVEN true meters and two illusions, one of which names no field
	m := MetricsSnapshot{
		Corruption:       0.4,
		PowerDraw:        900,
		MeanHeatFraction: 0.8,
		Yards:            []YardMeters{{ID: "a", HeatFraction: 0.8}, {ID: "b", HeatFraction: 0.7}},
		Illusions: map[string]float64{
			MetricHeatFraction: 0.1,
			"morale":           1,
		},
	}

	// WHEN displayed
	d := m.Displayed()

	// THEN only the heat readings are masked and the original is untouched
	assert.Equal(t, 0.1, d.MeanHeatFraction)
	assert.Equal(t, 0.1, d.Yards[0].HeatFraction)
	assert.Equal(t, 0.1, d.Yards[1].HeatFraction)
	assert.Equal(t, 0.4, d.Corruption)
	assert.Equal(t, 900.0, d.PowerDraw)
	assert.Equal(t, 0.8, m.Yards[0].HeatFraction)
}

func TestMetricsSnapshot_DisplayedWithoutIllusions(t *testing.T) {
	m := MetricsSnapshot{Corruption: 0.3}
	assert.Equal(t, m.Corruption, m.Displayed().Corruption)
}

func TestMetricsSnapshot_TotalQueued(t *testing.T) {
	m := MetricsSnapshot{QueueDepth: map[string]int{"cpu": 3, "gpu": 4, "io": 0}}
	assert.Equal(t, 7, m.TotalQueued())
	assert.Equal(t, 0, MetricsSnapshot{}.TotalQueued())
}

func TestCounters_CloneIsDeep(t *testing.T) {
	c := newCounters()
	c.FaultsByKind[FaultTransient] = 2
	out := c.clone()
	out.FaultsByKind[FaultTransient] = 9
	assert.Equal(t, int64(2), c.FaultsByKind[FaultTransient])
}

func TestColony_MetricsAfterRun(t *testing.T) {
	// GIVEN the default colony after some churn
	c := mustColony(t, DefaultColonyConfig())
	for tick := int64(1); tick <= 60; tick++ {
		for _, req := range (churnArrivals{}).Arrivals(tick) {
			_, err := c.submit(req)
			require.NoError(t, err)
		}
		c.Step()
	}

	// WHEN metrics are read
	m := c.Metrics()

	// THEN the view is consistent with the colony
	assert.Equal(t, int64(60), m.Tick)
	assert.Len(t, m.Yards, len(c.yards))
	require.NotNil(t, m.GPU)
	assert.GreaterOrEqual(t, m.GPU.VRAMInUse, int64(0))
	total := 0
	for _, n := range m.WorkerStates {
		total += n
	}
	assert.Equal(t, len(c.workers), total)
	assert.Equal(t, c.queue.Total(), m.TotalQueued())

	var buf bytes.Buffer
	m.Print(&buf)
	assert.Contains(t, buf.String(), "GPU VRAM In Use")
}
