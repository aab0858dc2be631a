// blackswan.go
//
// Implements the black swan engine: rare, trigger-gated events that read the
// KPI history and, when they fire, add debts or raise intents.

package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/sirupsen/logrus"
)

// === Triggers ===

// CompareOp is a trigger comparison operator.
type CompareOp string

const (
	OpGT CompareOp = ">"
	OpGE CompareOp = ">="
	OpLT CompareOp = "<"
	OpLE CompareOp = "<="
	OpEQ CompareOp = "=="
	OpNE CompareOp = "!="
)

var validCompareOps = map[CompareOp]bool{OpGT: true, OpGE: true, OpLT: true, OpLE: true, OpEQ: true, OpNE: true}

// Compare applies the operator to a and b.
func (op CompareOp) Compare(a, b float64) bool {
	switch op {
	case OpGT:
		return a > b
	case OpGE:
		return a >= b
	case OpLT:
		return a < b
	case OpLE:
		return a <= b
	case OpEQ:
		return a == b
	case OpNE:
		return a != b
	default:
		panic(fmt.Sprintf("CompareOp.Compare: unknown operator %q", string(op)))
	}
}

// TriggerCond is one condition of a black swan. A condition with MinCount > 0
// holds when at least MinCount samples fall inside the window; Op and
// Threshold are ignored in that case. Otherwise the window is reduced with
// Agg and compared against Threshold.
type TriggerCond struct {
	Metric    string      `yaml:"metric" json:"metric"`
	Op        CompareOp   `yaml:"op" json:"op"`
	Threshold float64     `yaml:"threshold" json:"threshold"`
	WindowMs  float64     `yaml:"window_ms" json:"window_ms"`
	MinCount  int         `yaml:"min_count,omitempty" json:"min_count,omitempty"`
	Agg       Aggregation `yaml:"agg,omitempty" json:"agg,omitempty"`
}

func (c TriggerCond) validate() error {
	if c.Metric == "" {
		return fmt.Errorf("trigger without metric")
	}
	if c.MinCount < 0 {
		return fmt.Errorf("trigger on %s: negative min_count", c.Metric)
	}
	if c.MinCount == 0 && !validCompareOps[c.Op] {
		return fmt.Errorf("trigger on %s: unknown operator %q", c.Metric, c.Op)
	}
	if !ValidAggregations[c.Agg] {
		return fmt.Errorf("trigger on %s: unknown aggregation %q", c.Metric, c.Agg)
	}
	if c.WindowMs < 0 || math.IsNaN(c.WindowMs) {
		return fmt.Errorf("trigger on %s: invalid window_ms %v", c.Metric, c.WindowMs)
	}
	return nil
}

// WindowTicks is the trigger window in ticks, at least one.
func (c TriggerCond) WindowTicks(t Tunables) int64 {
	return max(t.TicksFor(c.WindowMs), 1)
}

// Holds evaluates the condition against the KPI history at tick now.
// An empty window never holds.
func (c TriggerCond) Holds(kpi *KPIRingBuffer, now int64, t Tunables) bool {
	samples := kpi.Window(c.Metric, now, c.WindowTicks(t))
	if c.MinCount > 0 {
		return len(samples) >= c.MinCount
	}
	v, ok := Aggregate(samples, c.Agg)
	return ok && c.Op.Compare(v, c.Threshold)
}

// === Effects ===

// EffectType names an effect in configuration.
type EffectType string

const (
	EffectPowerMult       EffectType = "power-mult"
	EffectHeatAdd         EffectType = "heat-add"
	EffectBandwidthTax    EffectType = "bandwidth-tax"
	EffectVramLeak        EffectType = "vram-leak"
	EffectFaultBias       EffectType = "fault-bias"
	EffectIllusion        EffectType = "illusion"
	EffectCorruptionSpike EffectType = "corruption-spike"
	EffectInsertOp        EffectType = "insert-op"
	EffectReplaceOp       EffectType = "replace-op"
	EffectRemoveOp        EffectType = "remove-op"
	EffectDualRun         EffectType = "dual-run"
	EffectQuarantine      EffectType = "quarantine"
	EffectRitual          EffectType = "ritual"
)

// Effect is what a black swan does when it fires. The concrete variants are
// DebtEffect, CorruptionSpikeEffect and IntentEffect.
type Effect interface {
	effectType() EffectType
}

// DebtEffect adds a debt lasting DurationMs. Record carries the kind and value;
// its expiry and source are filled in when the swan fires.
type DebtEffect struct {
	Record     DebtRecord
	DurationMs float64
}

// CorruptionSpikeEffect raises the global corruption field immediately.
type CorruptionSpikeEffect struct {
	Delta float64
}

// IntentEffect raises an intent for the external mutation authority.
type IntentEffect struct {
	Intent Intent
}

func (e DebtEffect) effectType() EffectType          { return EffectType(e.Record.Kind) }
func (CorruptionSpikeEffect) effectType() EffectType { return EffectCorruptionSpike }
func (e IntentEffect) effectType() EffectType        { return EffectType(e.Intent.Kind()) }

// EffectSpec is the flat configuration form of an Effect.
type EffectSpec struct {
	Type       EffectType `yaml:"type" json:"type"`
	DurationMs float64    `yaml:"duration_ms,omitempty" json:"duration_ms,omitempty"`
	Value      float64    `yaml:"value,omitempty" json:"value,omitempty"` // mult, delta or fraction depending on Type
	Fault      FaultKind  `yaml:"fault,omitempty" json:"fault,omitempty"`
	Key        string     `yaml:"key,omitempty" json:"key,omitempty"`
	Pipeline   string     `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
	Target     string     `yaml:"target,omitempty" json:"target,omitempty"` // op name, branch, worker or ritual
	Op         *OpSpec    `yaml:"op,omitempty" json:"op,omitempty"`
}

// Compile converts the spec into a typed Effect.
func (s EffectSpec) Compile() (Effect, error) {
	debt := func(kind DebtKind) (Effect, error) {
		if s.DurationMs <= 0 {
			return nil, fmt.Errorf("%s effect needs a positive duration_ms", s.Type)
		}
		rec := DebtRecord{Kind: kind, Value: s.Value, Fault: s.Fault, Key: s.Key}
		if _, err := rec.Debt(); err != nil {
			return nil, err
		}
		return DebtEffect{Record: rec, DurationMs: s.DurationMs}, nil
	}
	op := func() (Op, error) {
		if s.Op == nil {
			return Op{}, fmt.Errorf("%s effect needs an op", s.Type)
		}
		return s.Op.ToOp()
	}
	needPipeline := func() error {
		if s.Pipeline == "" {
			return fmt.Errorf("%s effect needs a pipeline", s.Type)
		}
		return nil
	}

	switch s.Type {
	case EffectPowerMult:
		return debt(DebtPowerMult)
	case EffectHeatAdd:
		return debt(DebtHeatAdd)
	case EffectBandwidthTax:
		return debt(DebtBandwidthTax)
	case EffectVramLeak:
		return debt(DebtVramLeak)
	case EffectFaultBias:
		return debt(DebtFaultBias)
	case EffectIllusion:
		return debt(DebtIllusion)
	case EffectCorruptionSpike:
		return CorruptionSpikeEffect{Delta: s.Value}, nil
	case EffectInsertOp:
		if err := needPipeline(); err != nil {
			return nil, err
		}
		o, err := op()
		if err != nil {
			return nil, err
		}
		return IntentEffect{Intent: InsertOpIntent{PipelineID: s.Pipeline, After: s.Target, Op: o}}, nil
	case EffectReplaceOp:
		if err := needPipeline(); err != nil {
			return nil, err
		}
		o, err := op()
		if err != nil {
			return nil, err
		}
		return IntentEffect{Intent: ReplaceOpIntent{PipelineID: s.Pipeline, Target: s.Target, Op: o}}, nil
	case EffectRemoveOp:
		if err := needPipeline(); err != nil {
			return nil, err
		}
		return IntentEffect{Intent: RemoveOpIntent{PipelineID: s.Pipeline, Target: s.Target}}, nil
	case EffectDualRun:
		if err := needPipeline(); err != nil {
			return nil, err
		}
		return IntentEffect{Intent: DualRunIntent{PipelineID: s.Pipeline, Branch: s.Target}}, nil
	case EffectQuarantine:
		if s.Target == "" {
			return nil, fmt.Errorf("quarantine effect needs a target")
		}
		return IntentEffect{Intent: QuarantineIntent{Target: s.Target}}, nil
	case EffectRitual:
		if s.Target == "" {
			return nil, fmt.Errorf("ritual effect needs a target ritual")
		}
		return IntentEffect{Intent: RitualIntent{Ritual: s.Target, DurationMs: s.DurationMs}}, nil
	default:
		return nil, fmt.Errorf("unknown effect type %q", s.Type)
	}
}

// === Definitions ===

// BlackSwanSpec is the configuration form of a black swan.
type BlackSwanSpec struct {
	ID         string        `yaml:"id" json:"id"`
	Triggers   []TriggerCond `yaml:"triggers" json:"triggers"`
	Effects    []EffectSpec  `yaml:"effects" json:"effects"`
	Cure       string        `yaml:"cure,omitempty" json:"cure,omitempty"`
	Weight     float64       `yaml:"weight,omitempty" json:"weight,omitempty"`
	CooldownMs float64       `yaml:"cooldown_ms" json:"cooldown_ms"`
}

// BlackSwanDef is a compiled black swan.
type BlackSwanDef struct {
	ID         string
	Triggers   []TriggerCond
	Effects    []Effect
	Cure       string
	Weight     float64
	CooldownMs float64

	spec BlackSwanSpec
}

// Spec returns the configuration the definition was compiled from.
func (d *BlackSwanDef) Spec() BlackSwanSpec {
	return d.spec
}

// Compile validates the spec and converts its effects.
func (s BlackSwanSpec) Compile() (*BlackSwanDef, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("black swan without id")
	}
	if len(s.Triggers) == 0 {
		return nil, fmt.Errorf("black swan %q: no triggers", s.ID)
	}
	if s.CooldownMs < 0 || math.IsNaN(s.CooldownMs) || s.Weight < 0 {
		return nil, fmt.Errorf("black swan %q: negative cooldown or weight", s.ID)
	}
	for i, c := range s.Triggers {
		if err := c.validate(); err != nil {
			return nil, fmt.Errorf("black swan %q trigger %d: %w", s.ID, i, err)
		}
	}
	def := &BlackSwanDef{
		ID:         s.ID,
		Triggers:   append([]TriggerCond(nil), s.Triggers...),
		Cure:       s.Cure,
		Weight:     s.Weight,
		CooldownMs: s.CooldownMs,
		spec:       s,
	}
	for i, es := range s.Effects {
		e, err := es.Compile()
		if err != nil {
			return nil, fmt.Errorf("black swan %q effect %d: %w", s.ID, i, err)
		}
		def.Effects = append(def.Effects, e)
	}
	return def, nil
}

// CooldownTicks is cooldown_ms over tick_ms, truncated.
func (d *BlackSwanDef) CooldownTicks(t Tunables) int64 {
	if d.CooldownMs <= 0 {
		return 0
	}
	return int64(d.CooldownMs/t.TickMs + 1e-9)
}

// Triggered reports whether every trigger holds at now.
func (d *BlackSwanDef) Triggered(kpi *KPIRingBuffer, now int64, t Tunables) bool {
	for _, c := range d.Triggers {
		if !c.Holds(kpi, now, t) {
			return false
		}
	}
	return true
}

// SwanOutcome is what firing a black swan produced.
type SwanOutcome struct {
	SwanID          string
	Tick            int64
	Debts           []Debt
	Intents         []Intent
	CorruptionDelta float64
}

// Apply converts the definition's effects at tick now. Debts are added to
// ledger; intents and the corruption change are returned for the caller.
func (d *BlackSwanDef) Apply(now int64, t Tunables, ledger *DebtLedger) SwanOutcome {
	out := SwanOutcome{SwanID: d.ID, Tick: now}
	for _, e := range d.Effects {
		switch v := e.(type) {
		case DebtEffect:
			rec := v.Record
			rec.UntilTick = now + max(t.TicksFor(v.DurationMs), 1)
			rec.Source = d.ID
			debt, err := rec.Debt()
			if err != nil {
				// compiled effects were validated; a failure here is a programming error
				panic(fmt.Sprintf("black swan %q: %v", d.ID, err))
			}
			ledger.Add(debt)
			out.Debts = append(out.Debts, debt)
		case CorruptionSpikeEffect:
			out.CorruptionDelta += v.Delta
		case IntentEffect:
			out.Intents = append(out.Intents, v.Intent.withMeta(IntentMeta{Tick: now, Source: d.ID}))
		default:
			panic(fmt.Sprintf("black swan %q: unhandled effect %T", d.ID, e))
		}
	}
	return out
}

// === Index ===

// ErrUnknownSwan is returned when a black swan ID is not defined.
var ErrUnknownSwan = errors.New("unknown black swan")

// BlackSwanIndex holds the definitions in declaration order plus their fire history.
type BlackSwanIndex struct {
	defs      []*BlackSwanDef
	byID      map[string]*BlackSwanDef
	lastFired map[string]int64
	fireCount map[string]int64
}

// NewBlackSwanIndex builds an index, rejecting duplicate IDs.
func NewBlackSwanIndex(defs []*BlackSwanDef) (*BlackSwanIndex, error) {
	x := &BlackSwanIndex{
		byID:      make(map[string]*BlackSwanDef, len(defs)),
		lastFired: make(map[string]int64),
		fireCount: make(map[string]int64),
	}
	for _, d := range defs {
		if _, dup := x.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate black swan %q", d.ID)
		}
		x.byID[d.ID] = d
		x.defs = append(x.defs, d)
	}
	return x, nil
}

// Defs returns the definitions in declaration order.
func (x *BlackSwanIndex) Defs() []*BlackSwanDef {
	return x.defs
}

// CoolingDown reports whether d fired recently enough to be blocked at now.
// A swan fired at T is blocked through T+cooldown and eligible again at T+cooldown+1.
func (x *BlackSwanIndex) CoolingDown(d *BlackSwanDef, now int64, t Tunables) bool {
	last, ok := x.lastFired[d.ID]
	if !ok {
		return false
	}
	return now <= last+d.CooldownTicks(t)
}

// Eligible returns, in declaration order, the definitions that are not cooling
// down and whose triggers all hold at now.
func (x *BlackSwanIndex) Eligible(kpi *KPIRingBuffer, now int64, t Tunables) []*BlackSwanDef {
	var out []*BlackSwanDef
	for _, d := range x.defs {
		if x.CoolingDown(d, now, t) {
			continue
		}
		if d.Triggered(kpi, now, t) {
			out = append(out, d)
		}
	}
	return out
}

// Select picks at most one definition from eligible. SelectFirst takes the
// first; SelectWeighted draws by Weight from rng, falling back to the first
// when all weights are zero.
func Select(eligible []*BlackSwanDef, mode SwanSelection, rng *rand.Rand) *BlackSwanDef {
	if len(eligible) == 0 {
		return nil
	}
	if mode != SelectWeighted || len(eligible) == 1 {
		return eligible[0]
	}
	total := 0.0
	for _, d := range eligible {
		total += max(d.Weight, 0)
	}
	if total <= 0 {
		return eligible[0]
	}
	r := rng.Float64() * total
	acc := 0.0
	for _, d := range eligible {
		acc += max(d.Weight, 0)
		if r < acc {
			return d
		}
	}
	return eligible[len(eligible)-1]
}

// MarkFired records a fire at now, starting the cooldown.
func (x *BlackSwanIndex) MarkFired(id string, now int64) error {
	if _, ok := x.byID[id]; !ok {
		return fmt.Errorf("mark fired %q: %w", id, ErrUnknownSwan)
	}
	x.markFired(id, now)
	return nil
}

func (x *BlackSwanIndex) markFired(id string, now int64) {
	x.lastFired[id] = now
	x.fireCount[id]++
}

// Evaluate selects and fires at most one black swan at now. It returns nil when nothing fired.
func (x *BlackSwanIndex) Evaluate(kpi *KPIRingBuffer, now int64, t Tunables, rng *rand.Rand, ledger *DebtLedger) *SwanOutcome {
	chosen := Select(x.Eligible(kpi, now, t), t.SwanSelection, rng)
	if chosen == nil {
		return nil
	}
	out := chosen.Apply(now, t, ledger)
	x.markFired(chosen.ID, now)
	logrus.Warnf("[tick %07d] black swan %q fired: %d debts, %d intents", now, chosen.ID, len(out.Debts), len(out.Intents))
	return &out
}

// CuredSources returns the IDs of every swan whose cure is cureID.
func (x *BlackSwanIndex) CuredSources(cureID string) map[string]bool {
	out := make(map[string]bool)
	for _, d := range x.defs {
		if d.Cure != "" && strings.EqualFold(d.Cure, cureID) {
			out[d.ID] = true
		}
	}
	return out
}

// LastFired returns the tick id last fired at.
func (x *BlackSwanIndex) LastFired(id string) (int64, bool) {
	t, ok := x.lastFired[id]
	return t, ok
}

// FireHistory returns a copy of the id -> last-fired tick map.
func (x *BlackSwanIndex) FireHistory() map[string]int64 {
	out := make(map[string]int64, len(x.lastFired))
	for k, v := range x.lastFired {
		out[k] = v
	}
	return out
}

// FireCounts returns a copy of the id -> fire count map.
func (x *BlackSwanIndex) FireCounts() map[string]int64 {
	out := make(map[string]int64, len(x.fireCount))
	for k, v := range x.fireCount {
		out[k] = v
	}
	return out
}

// restoreHistory installs fire history read from a snapshot.
func (x *BlackSwanIndex) restoreHistory(last, counts map[string]int64) error {
	for id, tick := range last {
		if _, ok := x.byID[id]; !ok {
			return fmt.Errorf("fire history for %q: %w", id, ErrUnknownSwan)
		}
		x.lastFired[id] = tick
	}
	for id, n := range counts {
		if _, ok := x.byID[id]; !ok {
			return fmt.Errorf("fire count for %q: %w", id, ErrUnknownSwan)
		}
		x.fireCount[id] = n
	}
	return nil
}
