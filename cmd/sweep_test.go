package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colony-sim/colony-sim/sim"
	"github.com/colony-sim/colony-sim/sim/workload"
)

func TestSweep_OrderedAndDeterministic(t *testing.T) {
	// GIVEN three seeds run two at a time
	cfg := sim.DefaultColonyConfig()
	spec := workload.DefaultWorkloadSpec(0)
	seeds := []int64{3, 1, 2}

	// WHEN swept twice
	a, err := sweep(context.Background(), cfg, spec, seeds, 40, 2)
	require.NoError(t, err)
	b, err := sweep(context.Background(), cfg, spec, seeds, 40, 3)
	require.NoError(t, err)

	// THEN rows follow the seed list and repeat exactly
	require.Len(t, a, 3)
	for i, s := range seeds {
		assert.Equal(t, s, a[i].Seed)
		assert.Equal(t, a[i].Metrics.Counters, b[i].Metrics.Counters)
		assert.Equal(t, a[i].Metrics.Corruption, b[i].Metrics.Corruption)
	}
	assert.Equal(t, int64(42), cfg.Seed, "base config is not mutated")

	var out bytes.Buffer
	printSweep(&out, a)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "3 "))
}

func TestSweep_PropagatesErrors(t *testing.T) {
	cfg := sim.DefaultColonyConfig()
	cfg.Policy = "lottery"
	_, err := sweep(context.Background(), cfg, workload.DefaultWorkloadSpec(0), []int64{1, 2}, 10, 2)
	assert.Error(t, err)
}
