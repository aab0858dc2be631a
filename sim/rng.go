package sim

import (
	"encoding/binary"
	"math/rand"

	"github.com/cespare/xxhash/v2"
)

// === SimulationKey ===

// SimulationKey uniquely identifies a reproducible colony run.
// Two colonies with the same SimulationKey, identical configuration and the
// same sequence of external inputs MUST produce bit-for-bit identical results.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// === Subsystem Constants ===

const (
	// SubsystemWorkload is the RNG subsystem for job arrival generation.
	// Uses the master seed directly so that --seed alone reproduces a workload.
	SubsystemWorkload = "workload"

	// SubsystemFault drives per-assignment fault rolls and fault-kind draws.
	SubsystemFault = "fault"

	// SubsystemBatch drives batch-level fault rolls in the GPU batch engine.
	SubsystemBatch = "gpu-batch"

	// SubsystemSwan drives weighted black swan selection.
	SubsystemSwan = "black-swan"
)

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated RNG streams.
//
// Tick streams (ForTick) are a pure function of (seed, tick, subsystem):
// the stream seed is xxhash64(seed || tick || subsystem). Repeated calls for the
// same tick and subsystem return the same *rand.Rand so that successive draws
// within a tick continue one sequence. Moving to another tick discards the
// cached streams; nothing carries over between ticks.
//
// Session streams (ForSubsystem) follow the same derivation without a tick and
// are cached for the lifetime of the PartitionedRNG.
//
// Thread-safety: NOT thread-safe. Must be called from the tick goroutine.
type PartitionedRNG struct {
	key        SimulationKey
	tick       int64
	tickStream map[string]*rand.Rand
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a SimulationKey.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		tick:       -1,
		tickStream: make(map[string]*rand.Rand),
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForTick returns the deterministic stream for subsystem name at tick.
// Never returns nil.
func (p *PartitionedRNG) ForTick(name string, tick int64) *rand.Rand {
	if tick != p.tick {
		p.tick = tick
		p.tickStream = make(map[string]*rand.Rand)
	}
	if rng, ok := p.tickStream[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(DeriveTickSeed(p.key, tick, name)))
	p.tickStream[name] = rng
	return rng
}

// ForSubsystem returns a session-long stream for the named subsystem.
// The same subsystem name always returns the same *rand.Rand instance (cached).
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}

	var derivedSeed int64
	if name == SubsystemWorkload {
		derivedSeed = int64(p.key)
	} else {
		derivedSeed = int64(p.key) ^ int64(xxhash.Sum64String(name))
	}

	rng := rand.New(rand.NewSource(derivedSeed))
	p.subsystems[name] = rng
	return rng
}

// Key returns the SimulationKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() SimulationKey {
	return p.key
}

// DeriveTickSeed hashes (seed, tick, name) into a stream seed.
func DeriveTickSeed(key SimulationKey, tick int64, name string) int64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(key))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(tick))

	h := xxhash.New()
	_, _ = h.Write(buf[:])
	_, _ = h.WriteString(name)
	return int64(h.Sum64())
}
