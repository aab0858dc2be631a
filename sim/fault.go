package sim

import (
	"fmt"
	"math/rand"
)

// FaultKind classifies an injected fault.
type FaultKind string

const (
	// FaultAny is only used as a FaultBias target: it scales the overall fault probability.
	FaultAny          FaultKind = "any"
	FaultTransient    FaultKind = "transient"
	FaultDataSkew     FaultKind = "data-skew"
	FaultQueueDrop    FaultKind = "queue-drop"
	FaultStickyConfig FaultKind = "sticky-config"
)

// faultKinds is the categorical draw order.
var faultKinds = [...]FaultKind{FaultTransient, FaultDataSkew, FaultQueueDrop, FaultStickyConfig}

var validFaultBiasKinds = map[FaultKind]bool{
	FaultAny: true, FaultTransient: true, FaultDataSkew: true, FaultQueueDrop: true, FaultStickyConfig: true,
}

// MaxFaultProbability caps the per-assignment fault probability regardless of stress.
const MaxFaultProbability = 0.35

// Base categorical weights. StickyConfig additionally grows with the worker's own corruption.
const (
	weightTransient        = 0.60
	weightDataSkew         = 0.20
	weightQueueDrop        = 0.15
	weightStickyConfig     = 0.05
	weightStickyPerCorrupt = 0.10
)

// FaultInputs are the stress signals a fault roll is conditioned on.
// Every field except BaseRate is expected in [0,1] and is clamped there.
type FaultInputs struct {
	BaseRate         float64
	GlobalCorruption float64
	WorkerCorruption float64
	HeatFrac         float64
	BandwidthUtil    float64
	Starvation       float64
}

// FaultWeights are the linear weights applied to each stress signal.
type FaultWeights struct {
	Corruption       float64 `yaml:"corruption" json:"corruption"`
	WorkerCorruption float64 `yaml:"worker_corruption" json:"worker_corruption"`
	Heat             float64 `yaml:"heat" json:"heat"`
	Bandwidth        float64 `yaml:"bandwidth" json:"bandwidth"`
	Starvation       float64 `yaml:"starvation" json:"starvation"`
}

// FaultProbability combines the stress inputs linearly and caps the result at
// MaxFaultProbability. It has no side effects.
func FaultProbability(in FaultInputs, w FaultWeights) float64 {
	p := max(in.BaseRate, 0) +
		max(w.Corruption, 0)*clamp(in.GlobalCorruption, 0, 1) +
		max(w.WorkerCorruption, 0)*clamp(in.WorkerCorruption, 0, 1) +
		max(w.Heat, 0)*clamp(in.HeatFrac, 0, 1) +
		max(w.Bandwidth, 0)*clamp(in.BandwidthUtil, 0, 1) +
		max(w.Starvation, 0)*clamp(in.Starvation, 0, 1)
	return clamp(p, 0, MaxFaultProbability)
}

// FaultKindWeights returns the categorical weights in faultKinds order, each
// multiplied by the active per-kind bias.
func FaultKindWeights(workerCorruption float64, ledger *DebtLedger) [len(faultKinds)]float64 {
	w := [len(faultKinds)]float64{
		weightTransient,
		weightDataSkew,
		weightQueueDrop,
		weightStickyConfig + clamp(workerCorruption, 0, 1)*weightStickyPerCorrupt,
	}
	if ledger != nil {
		for i, k := range faultKinds {
			w[i] *= max(ledger.FaultBias(k), 0)
		}
	}
	return w
}

// DrawFaultKind picks a kind from weights by walking the running sum.
// Falls back to FaultTransient when every weight is zero.
func DrawFaultKind(rng *rand.Rand, weights [len(faultKinds)]float64) FaultKind {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return FaultTransient
	}
	r := rng.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r < acc {
			return faultKinds[i]
		}
	}
	return faultKinds[len(faultKinds)-1]
}

// FaultRoll is the result of drawing against a fault probability.
type FaultRoll struct {
	Probability float64
	Hit         bool
	Kind        FaultKind
}

// RollFault biases p by the FaultAny debts, re-applies the cap, and draws.
// On a hit it also draws the kind. Both draws come from rng in a fixed order.
func RollFault(rng *rand.Rand, p, workerCorruption float64, ledger *DebtLedger) FaultRoll {
	if ledger != nil {
		p *= max(ledger.FaultBias(FaultAny), 0)
	}
	p = clamp(p, 0, MaxFaultProbability)
	roll := FaultRoll{Probability: p}
	if rng.Float64() >= p {
		return roll
	}
	roll.Hit = true
	roll.Kind = DrawFaultKind(rng, FaultKindWeights(workerCorruption, ledger))
	return roll
}

// FaultOutcome describes what happened to the worker and job after a fault.
type FaultOutcome struct {
	Kind      FaultKind // final kind, after escalation
	Original  FaultKind
	Escalated bool
	Retry     bool // job stays with the worker and resumes after backoff
	Requeue   bool // job goes back to the queue
	Missed    bool // job is lost
}

// HandleFault applies the kind-specific state transition to w and reports the outcome.
//   - Transient: spend one retry and block for the backoff; escalate to QueueDrop when exhausted.
//   - DataSkew: no worker change; the job must be re-run.
//   - StickyConfig: the worker is quarantined in Recovering until maintained.
//   - QueueDrop: the job is missed.
//
// Every fault raises the worker's own corruption.
func HandleFault(w *Worker, kind FaultKind, now int64, t Tunables) FaultOutcome {
	out := FaultOutcome{Kind: kind, Original: kind}
	w.Corruption = clamp(w.Corruption+t.WorkerCorruptionPerFault, 0, 1)

	if kind == FaultTransient {
		if w.RetriesLeft > 0 {
			w.RetriesLeft--
			w.State = WorkerBlocked
			w.BlockedUntil = now + max(w.Retry.BackoffTicks, 1)
			out.Retry = true
			return out
		}
		out.Kind = FaultQueueDrop
		out.Escalated = true
	}

	switch out.Kind {
	case FaultQueueDrop:
		w.release()
		w.resetRetries()
		out.Missed = true
	case FaultDataSkew:
		out.Requeue = true
	case FaultStickyConfig:
		w.release()
		w.State = WorkerRecovering
		w.StickyFaults++
		if t.AutoRecoverTicks > 0 {
			w.RecoverAt = now + t.AutoRecoverTicks
		} else {
			w.RecoverAt = 0
		}
		out.Requeue = true
	default:
		panic(fmt.Sprintf("HandleFault: unhandled fault kind %q", out.Kind))
	}
	return out
}
