package sim

import (
	"fmt"
	"sort"
)

// DebtKind tags the variant of a Debt.
type DebtKind string

const (
	DebtPowerMult    DebtKind = "power-mult"
	DebtHeatAdd      DebtKind = "heat-add"
	DebtBandwidthTax DebtKind = "bandwidth-tax"
	DebtVramLeak     DebtKind = "vram-leak"
	DebtFaultBias    DebtKind = "fault-bias"
	DebtIllusion     DebtKind = "illusion"
)

// Debt is a time-bounded modifier layered onto the resource or fault model.
// The concrete variants are PowerMultDebt, HeatAddDebt, BandwidthTaxDebt,
// VramLeakDebt, FaultBiasDebt and IllusionDebt.
type Debt interface {
	Kind() DebtKind
	// Until is the expiry tick. A debt with Until() <= tick is expired at tick.
	Until() int64
	// Origin is the black swan that created the debt, or "" for control-surface debts.
	Origin() string
}

// DebtMeta carries the fields every debt variant shares.
type DebtMeta struct {
	UntilTick int64
	Source    string
}

func (m DebtMeta) Until() int64   { return m.UntilTick }
func (m DebtMeta) Origin() string { return m.Source }

// PowerMultDebt multiplies colony power draw. Composes multiplicatively.
type PowerMultDebt struct {
	DebtMeta
	Mult float64
}

// HeatAddDebt adds heat to every yard each tick. Composes additively.
type HeatAddDebt struct {
	DebtMeta
	Delta float64
}

// BandwidthTaxDebt removes a fraction of bandwidth capacity. Composes additively.
type BandwidthTaxDebt struct {
	DebtMeta
	Frac float64
}

// VramLeakDebt removes a fraction of GPU VRAM capacity. Composes additively.
type VramLeakDebt struct {
	DebtMeta
	Frac float64
}

// FaultBiasDebt multiplies fault likelihood. FaultAny biases the overall fault
// probability; a specific kind biases that kind's categorical weight.
// Composes multiplicatively per kind.
type FaultBiasDebt struct {
	DebtMeta
	Fault FaultKind
	Mult  float64
}

// IllusionDebt overrides a displayed metric. It never touches real computation.
type IllusionDebt struct {
	DebtMeta
	Key   string
	Value float64
}

func (PowerMultDebt) Kind() DebtKind    { return DebtPowerMult }
func (HeatAddDebt) Kind() DebtKind      { return DebtHeatAdd }
func (BandwidthTaxDebt) Kind() DebtKind { return DebtBandwidthTax }
func (VramLeakDebt) Kind() DebtKind     { return DebtVramLeak }
func (FaultBiasDebt) Kind() DebtKind    { return DebtFaultBias }
func (IllusionDebt) Kind() DebtKind     { return DebtIllusion }

// DebtLedger holds the active debts. Order is insertion order, which only
// matters for illusions (the later debt wins a key).
type DebtLedger struct {
	debts []Debt
}

// NewDebtLedger creates an empty ledger.
func NewDebtLedger() *DebtLedger {
	return &DebtLedger{}
}

// Add appends a debt. Nil debts are ignored.
func (l *DebtLedger) Add(d Debt) {
	if d == nil {
		return
	}
	l.debts = append(l.debts, d)
}

// ClearExpired drops every debt whose expiry tick is at or before tick.
// Returns the number of debts removed.
func (l *DebtLedger) ClearExpired(tick int64) int {
	return l.removeIf(func(d Debt) bool { return d.Until() <= tick })
}

// RemoveBySource drops every debt created by one of the given sources.
func (l *DebtLedger) RemoveBySource(sources map[string]bool) int {
	return l.removeIf(func(d Debt) bool { return sources[d.Origin()] })
}

func (l *DebtLedger) removeIf(drop func(Debt) bool) int {
	kept := l.debts[:0]
	removed := 0
	for _, d := range l.debts {
		if drop(d) {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	for i := len(kept); i < len(l.debts); i++ {
		l.debts[i] = nil
	}
	l.debts = kept
	return removed
}

// Len returns the number of active debts.
func (l *DebtLedger) Len() int {
	return len(l.debts)
}

// Debts returns a copy of the active debts.
func (l *DebtLedger) Debts() []Debt {
	out := make([]Debt, len(l.debts))
	copy(out, l.debts)
	return out
}

// PowerMultiplier is the product of all PowerMult debts, starting from 1.0.
func (l *DebtLedger) PowerMultiplier() float64 {
	m := 1.0
	for _, d := range l.debts {
		if pd, ok := d.(PowerMultDebt); ok {
			m *= pd.Mult
		}
	}
	return m
}

// HeatAddition is the sum of all HeatAdd debts, starting from 0.0.
func (l *DebtLedger) HeatAddition() float64 {
	sum := 0.0
	for _, d := range l.debts {
		if hd, ok := d.(HeatAddDebt); ok {
			sum += hd.Delta
		}
	}
	return sum
}

// BandwidthTax is the summed bandwidth tax fraction.
func (l *DebtLedger) BandwidthTax() float64 {
	sum := 0.0
	for _, d := range l.debts {
		if bd, ok := d.(BandwidthTaxDebt); ok {
			sum += bd.Frac
		}
	}
	return sum
}

// VramLeak is the summed VRAM leak fraction.
func (l *DebtLedger) VramLeak() float64 {
	sum := 0.0
	for _, d := range l.debts {
		if vd, ok := d.(VramLeakDebt); ok {
			sum += vd.Frac
		}
	}
	return sum
}

// FaultBias is the product of FaultBias debts targeting kind, starting from 1.0.
func (l *DebtLedger) FaultBias(kind FaultKind) float64 {
	m := 1.0
	for _, d := range l.debts {
		if fd, ok := d.(FaultBiasDebt); ok && fd.Fault == kind {
			m *= fd.Mult
		}
	}
	return m
}

// Illusions returns the display overrides, later debts winning a key.
func (l *DebtLedger) Illusions() map[string]float64 {
	out := make(map[string]float64)
	for _, d := range l.debts {
		if id, ok := d.(IllusionDebt); ok {
			out[id.Key] = id.Value
		}
	}
	return out
}

// DebtRecord is the flat, serializable form of a Debt used by snapshots and
// the metrics surface.
type DebtRecord struct {
	Kind      DebtKind  `json:"kind"`
	UntilTick int64     `json:"until_tick"`
	Source    string    `json:"source,omitempty"`
	Value     float64   `json:"value"`
	Fault     FaultKind `json:"fault,omitempty"`
	Key       string    `json:"key,omitempty"`
}

// RecordOf flattens a debt.
func RecordOf(d Debt) DebtRecord {
	r := DebtRecord{Kind: d.Kind(), UntilTick: d.Until(), Source: d.Origin()}
	switch v := d.(type) {
	case PowerMultDebt:
		r.Value = v.Mult
	case HeatAddDebt:
		r.Value = v.Delta
	case BandwidthTaxDebt:
		r.Value = v.Frac
	case VramLeakDebt:
		r.Value = v.Frac
	case FaultBiasDebt:
		r.Value = v.Mult
		r.Fault = v.Fault
	case IllusionDebt:
		r.Value = v.Value
		r.Key = v.Key
	}
	return r
}

// Debt rebuilds the typed debt from its record.
func (r DebtRecord) Debt() (Debt, error) {
	meta := DebtMeta{UntilTick: r.UntilTick, Source: r.Source}
	switch r.Kind {
	case DebtPowerMult:
		if r.Value < 0 {
			return nil, fmt.Errorf("power-mult debt with negative multiplier %f", r.Value)
		}
		return PowerMultDebt{DebtMeta: meta, Mult: r.Value}, nil
	case DebtHeatAdd:
		return HeatAddDebt{DebtMeta: meta, Delta: r.Value}, nil
	case DebtBandwidthTax:
		return BandwidthTaxDebt{DebtMeta: meta, Frac: r.Value}, nil
	case DebtVramLeak:
		return VramLeakDebt{DebtMeta: meta, Frac: r.Value}, nil
	case DebtFaultBias:
		if !validFaultBiasKinds[r.Fault] {
			return nil, fmt.Errorf("fault-bias debt with unknown fault kind %q", r.Fault)
		}
		if r.Value < 0 {
			return nil, fmt.Errorf("fault-bias debt with negative multiplier %f", r.Value)
		}
		return FaultBiasDebt{DebtMeta: meta, Fault: r.Fault, Mult: r.Value}, nil
	case DebtIllusion:
		if r.Key == "" {
			return nil, fmt.Errorf("illusion debt without key")
		}
		return IllusionDebt{DebtMeta: meta, Key: r.Key, Value: r.Value}, nil
	default:
		return nil, fmt.Errorf("unknown debt kind %q", r.Kind)
	}
}

// Records flattens the ledger in insertion order.
func (l *DebtLedger) Records() []DebtRecord {
	out := make([]DebtRecord, 0, len(l.debts))
	for _, d := range l.debts {
		out = append(out, RecordOf(d))
	}
	return out
}

// CountByKind returns how many active debts of each kind exist.
func (l *DebtLedger) CountByKind() map[DebtKind]int {
	out := make(map[DebtKind]int)
	for _, d := range l.debts {
		out[d.Kind()]++
	}
	return out
}

// sortedDebtKinds returns the kinds in m in lexical order.
func sortedDebtKinds(m map[DebtKind]int) []DebtKind {
	kinds := make([]DebtKind, 0, len(m))
	for k := range m {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
