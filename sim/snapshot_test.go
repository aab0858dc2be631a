package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func busyColony(t *testing.T, ticks int64) *Colony {
	t.Helper()
	c := mustColony(t, DefaultColonyConfig())
	require.NoError(t, c.Run(context.Background(), ticks, churnArrivals{}))
	return c
}

func TestSnapshot_RoundTrip(t *testing.T) {
	// GIVEN a colony mid-run
	c := busyColony(t, 120)
	first, err := MarshalSnapshot(c.Snapshot())
	require.NoError(t, err)

	// WHEN its snapshot is decoded and restored
	s, err := UnmarshalSnapshot(first)
	require.NoError(t, err)
	restored, err := Restore(s)
	require.NoError(t, err)

	// THEN the restored colony snapshots to identical bytes
	second, err := MarshalSnapshot(restored.Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, c.Tick(), restored.Tick())
	assert.Equal(t, c.Key(), restored.Key())
}

func TestSnapshot_ResumeMatchesUninterruptedRun(t *testing.T) {
	// GIVEN one colony that runs 200 ticks straight
	straight := busyColony(t, 200)

	// AND one that is snapshotted at tick 100, restored, and run to 200
	half := busyColony(t, 100)
	data, err := MarshalSnapshot(half.Snapshot())
	require.NoError(t, err)
	s, err := UnmarshalSnapshot(data)
	require.NoError(t, err)
	resumed, err := Restore(s)
	require.NoError(t, err)
	require.NoError(t, resumed.Run(context.Background(), 100, churnArrivals{}))

	// THEN both end in the same state
	a, err := MarshalSnapshot(straight.Snapshot())
	require.NoError(t, err)
	b, err := MarshalSnapshot(resumed.Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestRestore_FailsClosed(t *testing.T) {
	c := busyColony(t, 40)
	require.NotEmpty(t, c.Snapshot().Running, "need running work to corrupt")

	tests := []struct {
		name    string
		corrupt func(s *Snapshot)
	}{
		{"unsupported version", func(s *Snapshot) { s.Version = 99 }},
		{"negative tick", func(s *Snapshot) { s.Tick = -1 }},
		{"corruption out of range", func(s *Snapshot) { s.Corruption = 2 }},
		{"unknown trace level", func(s *Snapshot) { s.TraceLevel = "verbose" }},
		{"missing sub-queue", func(s *Snapshot) { s.Queues = s.Queues[:2] }},
		{"duplicate yard", func(s *Snapshot) { s.Yards = append(s.Yards, s.Yards[0]) }},
		{"worker in unknown yard", func(s *Snapshot) { s.Workers[0].YardID = "atlantis" }},
		{"work on unknown worker", func(s *Snapshot) { s.Running[0].WorkerID = "ghost" }},
		{"job both queued and running", func(s *Snapshot) {
			ej := s.Running[0].Jobs[0]
			class := ej.Job.Class()
			s.Queues[class] = append(s.Queues[class], ej)
		}},
		{"busy worker without work", func(s *Snapshot) { s.Running = s.Running[1:] }},
		{"unknown worker state", func(s *Snapshot) { s.Workers[0].State = "dreaming" }},
		{"invalid debt", func(s *Snapshot) { s.Debts = append(s.Debts, DebtRecord{Kind: "curse"}) }},
		{"fire history for unknown swan", func(s *Snapshot) { s.FireHistory["kraken"] = 3 }},
		{"duplicate swan", func(s *Snapshot) { s.BlackSwans = append(s.BlackSwans, s.BlackSwans[0]) }},
		{"kpi over limit", func(s *Snapshot) { s.KPI["flood"] = make([]KPISample, KPIHistoryLimit+1) }},
		{"kpi out of order", func(s *Snapshot) { s.KPI["jumbled"] = []KPISample{{Tick: 5}, {Tick: 4}} }},
		{"bad research", func(s *Snapshot) { s.Research["cheat"] = ResearchModifier{Key: ResearchVRAM, Mult: -1} }},
		{"invalid intent", func(s *Snapshot) { s.Intents = append(s.Intents, IntentRecord{Kind: "teleport"}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN a valid snapshot with one corruption
			s := c.Snapshot()
			tt.corrupt(s)

			// WHEN it is restored
			got, err := Restore(s)

			// THEN restore refuses and returns no colony
			assert.Nil(t, got)
			assert.True(t, errors.Is(err, ErrInvalidSnapshot), "got %v", err)
		})
	}
}

func TestRestore_NilSnapshot(t *testing.T) {
	got, err := Restore(nil)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestUnmarshalSnapshot_Garbage(t *testing.T) {
	_, err := UnmarshalSnapshot([]byte(`{"version": "one"`))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestSnapshot_DoesNotAliasColony(t *testing.T) {
	c := busyColony(t, 30)
	s := c.Snapshot()
	s.Yards[0].Heat = 1e6
	s.Workers[0].Corruption = 1
	if s.Yards[0].GPU != nil {
		s.Yards[0].GPU.VRAMInUse = -1
	}
	assert.NotEqual(t, 1e6, c.yards[0].Heat)
	assert.NotEqual(t, 1.0, c.workers[0].Corruption)
}
