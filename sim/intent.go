package sim

import "fmt"

// IntentKind tags the variant of an Intent.
type IntentKind string

const (
	IntentInsertOp   IntentKind = "insert-op"
	IntentReplaceOp  IntentKind = "replace-op"
	IntentRemoveOp   IntentKind = "remove-op"
	IntentDualRun    IntentKind = "dual-run"
	IntentQuarantine IntentKind = "quarantine"
	IntentRitual     IntentKind = "ritual"
)

// Intent is a topology change or ritual requirement that the colony does not
// apply itself. Intents are queued for an external mutation authority, which
// drains them with Colony.DrainIntents.
type Intent interface {
	Kind() IntentKind
	Meta() IntentMeta
	withMeta(IntentMeta) Intent
}

// IntentMeta records where and when an intent was raised.
type IntentMeta struct {
	Tick   int64  `json:"tick"`
	Source string `json:"source"` // black swan ID, or "control" for submitted mutations
}

// InsertOpIntent inserts Op into a pipeline after the op named After
// ("" inserts at the front).
type InsertOpIntent struct {
	IntentMeta
	PipelineID string
	After      string
	Op         Op
}

// ReplaceOpIntent replaces the op named Target.
type ReplaceOpIntent struct {
	IntentMeta
	PipelineID string
	Target     string
	Op         Op
}

// RemoveOpIntent removes the op named Target.
type RemoveOpIntent struct {
	IntentMeta
	PipelineID string
	Target     string
}

// DualRunIntent asks for a pipeline to run on two branches and have results compared.
type DualRunIntent struct {
	IntentMeta
	PipelineID string
	Branch     string
}

// QuarantineIntent asks for a worker or yard to be isolated.
type QuarantineIntent struct {
	IntentMeta
	Target string
}

// RitualIntent requires the operator to perform a named ritual within DurationMs.
type RitualIntent struct {
	IntentMeta
	Ritual     string
	DurationMs float64
}

func (InsertOpIntent) Kind() IntentKind   { return IntentInsertOp }
func (ReplaceOpIntent) Kind() IntentKind  { return IntentReplaceOp }
func (RemoveOpIntent) Kind() IntentKind   { return IntentRemoveOp }
func (DualRunIntent) Kind() IntentKind    { return IntentDualRun }
func (QuarantineIntent) Kind() IntentKind { return IntentQuarantine }
func (RitualIntent) Kind() IntentKind     { return IntentRitual }

func (i InsertOpIntent) Meta() IntentMeta   { return i.IntentMeta }
func (i ReplaceOpIntent) Meta() IntentMeta  { return i.IntentMeta }
func (i RemoveOpIntent) Meta() IntentMeta   { return i.IntentMeta }
func (i DualRunIntent) Meta() IntentMeta    { return i.IntentMeta }
func (i QuarantineIntent) Meta() IntentMeta { return i.IntentMeta }
func (i RitualIntent) Meta() IntentMeta     { return i.IntentMeta }

func (i InsertOpIntent) withMeta(m IntentMeta) Intent   { i.IntentMeta = m; return i }
func (i ReplaceOpIntent) withMeta(m IntentMeta) Intent  { i.IntentMeta = m; return i }
func (i RemoveOpIntent) withMeta(m IntentMeta) Intent   { i.IntentMeta = m; return i }
func (i DualRunIntent) withMeta(m IntentMeta) Intent    { i.IntentMeta = m; return i }
func (i QuarantineIntent) withMeta(m IntentMeta) Intent { i.IntentMeta = m; return i }
func (i RitualIntent) withMeta(m IntentMeta) Intent     { i.IntentMeta = m; return i }

// IntentTarget returns the pipeline or entity an intent acts on.
func IntentTarget(i Intent) string {
	switch v := i.(type) {
	case InsertOpIntent:
		return v.PipelineID
	case ReplaceOpIntent:
		return v.PipelineID
	case RemoveOpIntent:
		return v.PipelineID
	case DualRunIntent:
		return v.PipelineID
	case QuarantineIntent:
		return v.Target
	case RitualIntent:
		return v.Ritual
	default:
		panic(fmt.Sprintf("IntentTarget: unhandled intent %T", i))
	}
}

// IntentRecord is the flat, serializable form of an Intent.
type IntentRecord struct {
	Kind       IntentKind `json:"kind"`
	Tick       int64      `json:"tick"`
	Source     string     `json:"source"`
	PipelineID string     `json:"pipeline_id,omitempty"`
	Target     string     `json:"target,omitempty"`
	Op         *Op        `json:"op,omitempty"`
	DurationMs float64    `json:"duration_ms,omitempty"`
}

// IntentRecordOf flattens an intent.
func IntentRecordOf(i Intent) IntentRecord {
	m := i.Meta()
	r := IntentRecord{Kind: i.Kind(), Tick: m.Tick, Source: m.Source}
	switch v := i.(type) {
	case InsertOpIntent:
		op := v.Op
		r.PipelineID, r.Target, r.Op = v.PipelineID, v.After, &op
	case ReplaceOpIntent:
		op := v.Op
		r.PipelineID, r.Target, r.Op = v.PipelineID, v.Target, &op
	case RemoveOpIntent:
		r.PipelineID, r.Target = v.PipelineID, v.Target
	case DualRunIntent:
		r.PipelineID, r.Target = v.PipelineID, v.Branch
	case QuarantineIntent:
		r.Target = v.Target
	case RitualIntent:
		r.Target, r.DurationMs = v.Ritual, v.DurationMs
	}
	return r
}

// Intent rebuilds the typed intent from its record.
func (r IntentRecord) Intent() (Intent, error) {
	m := IntentMeta{Tick: r.Tick, Source: r.Source}
	needOp := func() (Op, error) {
		if r.Op == nil {
			return Op{}, fmt.Errorf("%s intent for pipeline %q without op", r.Kind, r.PipelineID)
		}
		return *r.Op, nil
	}
	switch r.Kind {
	case IntentInsertOp:
		op, err := needOp()
		if err != nil {
			return nil, err
		}
		return InsertOpIntent{IntentMeta: m, PipelineID: r.PipelineID, After: r.Target, Op: op}, nil
	case IntentReplaceOp:
		op, err := needOp()
		if err != nil {
			return nil, err
		}
		return ReplaceOpIntent{IntentMeta: m, PipelineID: r.PipelineID, Target: r.Target, Op: op}, nil
	case IntentRemoveOp:
		return RemoveOpIntent{IntentMeta: m, PipelineID: r.PipelineID, Target: r.Target}, nil
	case IntentDualRun:
		return DualRunIntent{IntentMeta: m, PipelineID: r.PipelineID, Branch: r.Target}, nil
	case IntentQuarantine:
		return QuarantineIntent{IntentMeta: m, Target: r.Target}, nil
	case IntentRitual:
		return RitualIntent{IntentMeta: m, Ritual: r.Target, DurationMs: r.DurationMs}, nil
	default:
		return nil, fmt.Errorf("unknown intent kind %q", r.Kind)
	}
}
