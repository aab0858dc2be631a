package sim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestByteSize_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"1024", 1024},
		{"24GiB", 24 << 30},
		{"512mb", 512 << 20},
		{"1k", 1 << 10},
	}
	for _, tt := range tests {
		var got ByteSize
		require.NoError(t, yaml.Unmarshal([]byte(tt.in), &got), tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	var bad ByteSize
	assert.Error(t, yaml.Unmarshal([]byte("lots"), &bad))
}

func TestTunablesClamp_ForcesRanges(t *testing.T) {
	// GIVEN tunables with every knob out of range
	in := Tunables{
		TickMs:           -5,
		KPIIntervalTicks: 0,
		ThermalKnee:      3,
		ThermalFloor:     0,
		AmbientHeat:      math.NaN(),
		BaseFaultRate:    4,
		GPU:              GPUTunables{BatchMax: -1, MixedPrecisionSpeedup: 0.1},
		SwanSelection:    "chaotic",
	}

	// WHEN clamped
	c := in.Clamp()

	// THEN every derived ratio is usable
	assert.Equal(t, MinTickMs, c.TickMs)
	assert.Equal(t, int64(1), c.KPIIntervalTicks)
	assert.Equal(t, 1.0, c.ThermalKnee)
	assert.Equal(t, minThrottleFloor, c.ThermalFloor)
	assert.Equal(t, 0.0, c.AmbientHeat)
	assert.Equal(t, MaxFaultProbability, c.BaseFaultRate)
	assert.Equal(t, 1, c.GPU.BatchMax)
	assert.Equal(t, 1.0, c.GPU.MixedPrecisionSpeedup)
	assert.Equal(t, SelectFirst, c.SwanSelection)
}

func TestTunablesClamp_Idempotent(t *testing.T) {
	once := DefaultTunables().Clamp()
	assert.Equal(t, once, once.Clamp())
}

func TestTunables_TicksFor(t *testing.T) {
	tun := DefaultTunables()
	tun.TickMs = 10
	assert.Equal(t, int64(5), tun.TicksFor(50))
	assert.Equal(t, int64(6), tun.TicksFor(51))
	assert.Equal(t, int64(0), tun.TicksFor(0))
	assert.InDelta(t, float64(tun.BandwidthPerSec)/100, tun.BandwidthPerTick(), 1e-6)
}

func TestResearch_MultiplierComposes(t *testing.T) {
	r := Research{
		"better-fans":  {Key: ResearchHeatDecay, Mult: 1.5},
		"liquid-loops": {Key: ResearchHeatDecay, Mult: 2},
		"fat-bus":      {Key: ResearchVRAM, Mult: 1.25},
	}
	assert.InDelta(t, 3.0, r.Multiplier(ResearchHeatDecay), 1e-12)
	assert.InDelta(t, 1.25, r.Multiplier(ResearchVRAM), 1e-12)
	assert.Equal(t, 1.0, r.Multiplier(ResearchPowerCap))
	assert.Equal(t, []string{"better-fans", "fat-bus", "liquid-loops"}, r.Names())
}
