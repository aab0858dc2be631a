package sim

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultProbability_NeverExceedsCap(t *testing.T) {
	// GIVEN every stress input saturated and very large weights
	in := FaultInputs{BaseRate: 0.9, GlobalCorruption: 1, WorkerCorruption: 1, HeatFrac: 1, BandwidthUtil: 1, Starvation: 1}
	w := FaultWeights{Corruption: 5, WorkerCorruption: 5, Heat: 5, Bandwidth: 5, Starvation: 5}

	// WHEN the probability is computed
	p := FaultProbability(in, w)

	// THEN it is capped
	if p != MaxFaultProbability {
		t.Errorf("FaultProbability = %f, want cap %f", p, MaxFaultProbability)
	}
}

func TestFaultProbability_RandomInputsStayInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		in := FaultInputs{
			BaseRate:         rng.Float64(),
			GlobalCorruption: rng.Float64()*3 - 1,
			WorkerCorruption: rng.Float64()*3 - 1,
			HeatFrac:         rng.Float64() * 2,
			BandwidthUtil:    rng.Float64() * 2,
			Starvation:       rng.Float64() * 2,
		}
		w := FaultWeights{Corruption: rng.Float64(), WorkerCorruption: rng.Float64(), Heat: rng.Float64(), Bandwidth: rng.Float64(), Starvation: rng.Float64()}
		p := FaultProbability(in, w)
		if p < 0 || p > MaxFaultProbability {
			t.Fatalf("iteration %d: probability %f outside [0, %f]", i, p, MaxFaultProbability)
		}
	}
}

func TestFaultProbability_Linear(t *testing.T) {
	in := FaultInputs{BaseRate: 0.01, GlobalCorruption: 0.5, HeatFrac: 0.5}
	w := FaultWeights{Corruption: 0.1, Heat: 0.2}
	assert.InDelta(t, 0.01+0.05+0.1, FaultProbability(in, w), 1e-12)
}

func TestRollFault_SameStreamSameOutcome(t *testing.T) {
	// GIVEN two RNGs derived for the same seed, tick and subsystem
	a := NewPartitionedRNG(42).ForTick(SubsystemFault, 17)
	b := NewPartitionedRNG(42).ForTick(SubsystemFault, 17)

	// WHEN the same rolls are drawn from both
	for i := 0; i < 50; i++ {
		ra := RollFault(a, 0.3, 0.2, nil)
		rb := RollFault(b, 0.3, 0.2, nil)

		// THEN every outcome matches
		if ra != rb {
			t.Fatalf("roll %d differs: %+v vs %+v", i, ra, rb)
		}
	}
}

func TestRollFault_AnyBiasRespectsCap(t *testing.T) {
	// GIVEN a fault-bias debt multiplying every fault by 100
	ledger := NewDebtLedger()
	ledger.Add(FaultBiasDebt{DebtMeta: DebtMeta{UntilTick: 5}, Fault: FaultAny, Mult: 100})

	// WHEN a roll is made at a modest base probability
	roll := RollFault(rand.New(rand.NewSource(1)), 0.1, 0, ledger)

	// THEN the effective probability is still capped
	assert.Equal(t, MaxFaultProbability, roll.Probability)
}

func TestDrawFaultKind_BiasSelectsKind(t *testing.T) {
	// GIVEN every kind but sticky-config weighted to zero
	ledger := NewDebtLedger()
	for _, k := range []FaultKind{FaultTransient, FaultDataSkew, FaultQueueDrop} {
		ledger.Add(FaultBiasDebt{DebtMeta: DebtMeta{UntilTick: 5}, Fault: k, Mult: 0})
	}
	rng := rand.New(rand.NewSource(3))

	// WHEN kinds are drawn
	for i := 0; i < 20; i++ {
		// THEN only sticky-config comes out
		if got := DrawFaultKind(rng, FaultKindWeights(0, ledger)); got != FaultStickyConfig {
			t.Fatalf("draw %d = %s, want %s", i, got, FaultStickyConfig)
		}
	}
}

func TestHandleFault_TransientRetriesThenEscalates(t *testing.T) {
	// GIVEN a worker with one retry and a 3-tick backoff
	w := &Worker{ID: "w", State: WorkerIdle, Retry: RetryPolicy{MaxRetries: 1, BackoffTicks: 3}, RetriesLeft: 1}
	tun := DefaultTunables()

	// WHEN a transient fault hits
	out := HandleFault(w, FaultTransient, 10, tun)

	// THEN the worker backs off and keeps the job
	assert.True(t, out.Retry)
	assert.Equal(t, WorkerBlocked, w.State)
	assert.Equal(t, int64(13), w.BlockedUntil)
	assert.Equal(t, 0, w.RetriesLeft)

	// WHEN a second transient fault hits with no retries left
	out = HandleFault(w, FaultTransient, 20, tun)

	// THEN it escalates to a queue drop and the job is missed
	assert.True(t, out.Escalated)
	assert.Equal(t, FaultQueueDrop, out.Kind)
	assert.Equal(t, FaultTransient, out.Original)
	assert.True(t, out.Missed)
	assert.Equal(t, WorkerIdle, w.State)
	assert.Equal(t, 1, w.RetriesLeft, "retries reset after the drop")
}

func TestHandleFault_StickyConfigQuarantines(t *testing.T) {
	tun := DefaultTunables()
	tun.AutoRecoverTicks = 50
	w := &Worker{ID: "w", State: WorkerIdle}

	out := HandleFault(w, FaultStickyConfig, 100, tun)

	assert.True(t, out.Requeue)
	assert.Equal(t, WorkerRecovering, w.State)
	assert.Equal(t, int64(150), w.RecoverAt)
	assert.Equal(t, 1, w.StickyFaults)
	assert.InDelta(t, tun.WorkerCorruptionPerFault, w.Corruption, 1e-12)
}

func TestHandleFault_DataSkewRequeuesWithoutStateChange(t *testing.T) {
	w := &Worker{ID: "w", State: WorkerIdle}
	out := HandleFault(w, FaultDataSkew, 5, DefaultTunables())
	assert.True(t, out.Requeue)
	assert.False(t, out.Missed)
	assert.Equal(t, WorkerIdle, w.State)
}

func TestFaultKindWeights_StickyTracksCorruption(t *testing.T) {
	w := FaultKindWeights(1, nil)
	assert.InDelta(t, 0.15, w[3], 1e-12)
	assert.InDelta(t, 0.05, FaultKindWeights(0, nil)[3], 1e-12)
}

func TestColony_FaultKindUsesRawWorkerCorruption(t *testing.T) {
	// GIVEN a fully corrupted worker whose discipline halves its probability input
	c := mustColony(t, quietConfig())
	w := c.workers[0]
	w.Corruption, w.Discipline = 1, 1
	require.InDelta(t, 0.5, w.EffectiveCorruption(), 1e-12)

	// WHEN the colony rolls faults for it at the cap
	const tick = 9
	ref := rand.New(rand.NewSource(DeriveTickSeed(c.Key(), tick, SubsystemFault)))
	hits := 0
	for i := 0; i < 2000; i++ {
		got := c.rollFault(SubsystemFault, w, MaxFaultProbability, tick)

		// THEN every draw matches a roll weighted by the undamped corruption
		want := RollFault(ref, MaxFaultProbability, 1, c.ledger)
		if got != want {
			t.Fatalf("roll %d = %+v, want %+v", i, got, want)
		}
		if got.Hit {
			hits++
		}
	}
	assert.Greater(t, hits, 0)
}
