// snapshot.go
//
// Persisted-state boundary. A Snapshot carries every piece of colony state
// needed to resume a session; Restore validates it completely before
// building anything, so a bad snapshot never yields a half-restored colony.

package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/colony-sim/colony-sim/sim/trace"
)

// SnapshotVersion is the current snapshot layout version.
const SnapshotVersion = 1

// ErrInvalidSnapshot wraps every validation failure during restore.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Snapshot is the serializable state of a colony between ticks.
// Commands still waiting in the inbox are not part of it.
type Snapshot struct {
	Version     int                    `json:"version"`
	Seed        int64                  `json:"seed"`
	Tick        int64                  `json:"tick"`
	JobSeq      int64                  `json:"job_seq"`
	Policy      Policy                 `json:"policy"`
	TraceLevel  string                 `json:"trace_level"`
	Tunables    Tunables               `json:"tunables"`
	Corruption  float64                `json:"corruption"`
	Meters      ResourceMeters         `json:"meters"`
	Yards       []Workyard             `json:"yards"`
	Workers     []Worker               `json:"workers"`
	Queues      [][]EnqueuedJob        `json:"queues"` // indexed by WorkClass
	Running     []Work                 `json:"running"`
	Batches     []GpuBatchBuffer       `json:"batches"`
	Debts       []DebtRecord           `json:"debts"`
	BlackSwans  []BlackSwanSpec        `json:"black_swans"`
	FireHistory map[string]int64       `json:"fire_history"`
	FireCounts  map[string]int64       `json:"fire_counts"`
	RecentSwans []SwanFire             `json:"recent_swans"`
	KPI         map[string][]KPISample `json:"kpi"`
	Research    Research               `json:"research"`
	Counters    Counters               `json:"counters"`
	Intents     []IntentRecord         `json:"intents"` // raised but not yet drained
}

// Snapshot captures the colony state. It must be called between ticks.
func (c *Colony) Snapshot() *Snapshot {
	s := &Snapshot{
		Version:     SnapshotVersion,
		Seed:        int64(c.key),
		Tick:        c.tick,
		JobSeq:      c.jobSeq,
		Policy:      c.policy,
		TraceLevel:  string(c.report.Level),
		Tunables:    c.tunables,
		Corruption:  c.corruption,
		Meters:      c.meters,
		Yards:       make([]Workyard, 0, len(c.yards)),
		Workers:     make([]Worker, 0, len(c.workers)),
		Queues:      make([][]EnqueuedJob, NumWorkClasses),
		Running:     make([]Work, 0, len(c.running)),
		Batches:     make([]GpuBatchBuffer, 0),
		Debts:       c.ledger.Records(),
		BlackSwans:  make([]BlackSwanSpec, 0, len(c.swans.Defs())),
		FireHistory: c.swans.FireHistory(),
		FireCounts:  c.swans.FireCounts(),
		RecentSwans: append([]SwanFire(nil), c.recentSwans...),
		KPI:         c.kpi.history(),
		Research:    make(Research, len(c.research)),
		Counters:    c.counters.clone(),
		Intents:     make([]IntentRecord, 0, len(c.intents)),
	}
	for _, y := range c.yards {
		cp := *y
		if y.GPU != nil {
			g := *y.GPU
			cp.GPU = &g
		}
		s.Yards = append(s.Yards, cp)
	}
	for _, w := range c.workers {
		s.Workers = append(s.Workers, *w)
		if work := c.running[w.ID]; work != nil {
			cp := *work
			cp.Jobs = append([]EnqueuedJob(nil), work.Jobs...)
			s.Running = append(s.Running, cp)
		}
	}
	for class := WorkClass(0); class < NumWorkClasses; class++ {
		s.Queues[class] = c.queue.Snapshot(class)
	}
	for _, b := range c.batches.Buffers() {
		cp := *b
		cp.Items = append([]BatchItem(nil), b.Items...)
		s.Batches = append(s.Batches, cp)
	}
	for _, d := range c.swans.Defs() {
		s.BlackSwans = append(s.BlackSwans, d.Spec())
	}
	for k, v := range c.research {
		s.Research[k] = v
	}
	for _, i := range c.intents {
		s.Intents = append(s.Intents, IntentRecordOf(i))
	}
	return s
}

// MarshalSnapshot encodes a snapshot as JSON.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot decodes and validates a JSON snapshot.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSnapshot, fmt.Sprintf(format, args...))
}

// Validate checks the snapshot for internal consistency. Every error wraps ErrInvalidSnapshot.
func (s *Snapshot) Validate() error {
	if s == nil {
		return invalid("nil snapshot")
	}
	if s.Version != SnapshotVersion {
		return invalid("unsupported version %d", s.Version)
	}
	if s.Tick < 0 || s.JobSeq < 0 {
		return invalid("negative tick or job sequence")
	}
	if _, ok := policyNames[s.Policy]; !ok {
		return invalid("unknown policy %d", int(s.Policy))
	}
	if !trace.IsValidTraceLevel(s.TraceLevel) {
		return invalid("unknown trace level %q", s.TraceLevel)
	}
	if math.IsNaN(s.Corruption) || s.Corruption < 0 || s.Corruption > 1 {
		return invalid("corruption %v outside [0,1]", s.Corruption)
	}

	yards := make(map[string]*Workyard, len(s.Yards))
	gpuFarms := 0
	for i := range s.Yards {
		y := &s.Yards[i]
		if err := y.validate(); err != nil {
			return invalid("%v", err)
		}
		if _, dup := yards[y.ID]; dup {
			return invalid("duplicate yard %q", y.ID)
		}
		if (y.Kind == YardGPUFarm) != (y.GPU != nil) {
			return invalid("yard %q: gpu meters must be present exactly on the gpu farm", y.ID)
		}
		if y.Kind == YardGPUFarm {
			gpuFarms++
		}
		yards[y.ID] = y
	}
	if gpuFarms > 1 {
		return invalid("%d gpu farms", gpuFarms)
	}

	workers := make(map[string]*Worker, len(s.Workers))
	for i := range s.Workers {
		w := &s.Workers[i]
		if w.ID == "" {
			return invalid("worker without id")
		}
		if _, dup := workers[w.ID]; dup {
			return invalid("duplicate worker %q", w.ID)
		}
		if _, ok := yards[w.YardID]; !ok {
			return invalid("worker %q in unknown yard %q", w.ID, w.YardID)
		}
		if !validWorkerStates[w.State] {
			return invalid("worker %q has unknown state %q", w.ID, w.State)
		}
		if w.Corruption < 0 || w.Corruption > 1 || w.RetriesLeft < 0 || w.StickyFaults < 0 {
			return invalid("worker %q has out-of-range counters", w.ID)
		}
		workers[w.ID] = w
	}

	jobs := make(map[string]string)
	claim := func(j *Job, where string) error {
		if j == nil {
			return invalid("%s holds a nil job", where)
		}
		if prev, dup := jobs[j.ID]; dup {
			return invalid("job %s appears in both %s and %s", j.ID, prev, where)
		}
		if _, err := NewJob(j.ID, JobRequest{Pipeline: j.Pipeline, QoS: j.QoS, DeadlineMs: j.DeadlineMs, PayloadBytes: j.PayloadBytes}); err != nil {
			return invalid("%s: %v", where, err)
		}
		jobs[j.ID] = where
		return nil
	}

	if len(s.Queues) != NumWorkClasses {
		return invalid("expected %d sub-queues, got %d", NumWorkClasses, len(s.Queues))
	}
	for class, q := range s.Queues {
		where := WorkClass(class).String() + " queue"
		for _, ej := range q {
			if err := claim(ej.Job, where); err != nil {
				return err
			}
			if ej.Job.Class() != WorkClass(class) {
				return invalid("job %s classified as %s but queued as %s", ej.Job.ID, ej.Job.Class(), WorkClass(class))
			}
		}
	}

	busy := make(map[string]bool)
	for _, work := range s.Running {
		w, ok := workers[work.WorkerID]
		if !ok {
			return invalid("running work on unknown worker %q", work.WorkerID)
		}
		if busy[w.ID] {
			return invalid("worker %q runs two pieces of work", w.ID)
		}
		busy[w.ID] = true
		if w.State != WorkerQueued && w.State != WorkerRunning && w.State != WorkerBlocked {
			return invalid("worker %q has work but is %s", w.ID, w.State)
		}
		if _, ok := yards[work.YardID]; !ok {
			return invalid("running work in unknown yard %q", work.YardID)
		}
		if len(work.Jobs) == 0 || work.FinishAt < work.StartAt {
			return invalid("running work on %q is empty or ends before it starts", w.ID)
		}
		for _, ej := range work.Jobs {
			if err := claim(ej.Job, "worker "+w.ID); err != nil {
				return err
			}
		}
	}
	for _, w := range s.Workers {
		if (w.State == WorkerQueued || w.State == WorkerRunning || w.State == WorkerBlocked) && !busy[w.ID] {
			return invalid("worker %q is %s without work", w.ID, w.State)
		}
	}

	pipelines := make(map[string]bool)
	for _, b := range s.Batches {
		if pipelines[b.PipelineID] {
			return invalid("duplicate batch buffer %q", b.PipelineID)
		}
		pipelines[b.PipelineID] = true
		if len(b.Items) == 0 {
			return invalid("empty batch buffer %q", b.PipelineID)
		}
		for _, it := range b.Items {
			if err := claim(it.Job.Job, "batch "+b.PipelineID); err != nil {
				return err
			}
			if it.Job.Job.Pipeline.ID != b.PipelineID {
				return invalid("job %s of pipeline %q buffered under %q", it.Job.Job.ID, it.Job.Job.Pipeline.ID, b.PipelineID)
			}
		}
	}

	for i, r := range s.Debts {
		if _, err := r.Debt(); err != nil {
			return invalid("debt %d: %v", i, err)
		}
	}
	swans := make(map[string]bool, len(s.BlackSwans))
	for _, spec := range s.BlackSwans {
		if swans[spec.ID] {
			return invalid("duplicate black swan %q", spec.ID)
		}
		swans[spec.ID] = true
		if _, err := spec.Compile(); err != nil {
			return invalid("%v", err)
		}
	}
	for id := range s.FireHistory {
		if !swans[id] {
			return invalid("fire history for unknown black swan %q", id)
		}
	}
	for id := range s.FireCounts {
		if !swans[id] {
			return invalid("fire count for unknown black swan %q", id)
		}
	}
	for metric, samples := range s.KPI {
		if len(samples) > KPIHistoryLimit {
			return invalid("metric %q holds %d samples, limit is %d", metric, len(samples), KPIHistoryLimit)
		}
		for i := 1; i < len(samples); i++ {
			if samples[i].Tick < samples[i-1].Tick {
				return invalid("metric %q samples out of tick order", metric)
			}
		}
	}
	for name, mod := range s.Research {
		if !ValidResearchKeys[mod.Key] || mod.Mult <= 0 {
			return invalid("research %q has unknown key or non-positive multiplier", name)
		}
	}
	for i, r := range s.Intents {
		if _, err := r.Intent(); err != nil {
			return invalid("intent %d: %v", i, err)
		}
	}
	if s.Counters.FaultsByKind == nil {
		return invalid("counters without per-kind fault map")
	}
	return nil
}

// Restore builds a colony from a snapshot. The snapshot is validated first and
// no colony is returned unless every part restores.
func Restore(s *Snapshot) (*Colony, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	c := newEmptyColony(NewSimulationKey(s.Seed), s.Tunables.Clamp(), s.Policy, trace.TraceLevel(s.TraceLevel))
	c.tick = s.Tick
	c.jobSeq = s.JobSeq
	c.corruption = s.Corruption
	c.meters = s.Meters

	for _, y := range s.Yards {
		cp := y
		if y.GPU != nil {
			g := *y.GPU
			cp.GPU = &g
		}
		c.addYard(&cp)
	}
	for _, w := range s.Workers {
		cp := w
		c.addWorker(&cp)
	}
	for _, q := range s.Queues {
		for _, ej := range q {
			if err := c.queue.push(ej); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
			}
		}
	}
	for _, work := range s.Running {
		cp := work
		cp.Jobs = append([]EnqueuedJob(nil), work.Jobs...)
		c.running[cp.WorkerID] = &cp
	}
	for _, b := range s.Batches {
		cp := b
		cp.Items = append([]BatchItem(nil), b.Items...)
		if err := c.batches.restore(&cp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
	}
	for _, r := range s.Debts {
		d, _ := r.Debt()
		c.ledger.Add(d)
	}

	defs := make([]*BlackSwanDef, 0, len(s.BlackSwans))
	for _, spec := range s.BlackSwans {
		d, _ := spec.Compile()
		defs = append(defs, d)
	}
	swans, err := NewBlackSwanIndex(defs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := swans.restoreHistory(s.FireHistory, s.FireCounts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	c.swans = swans
	c.recentSwans = append([]SwanFire(nil), s.RecentSwans...)

	for metric, samples := range s.KPI {
		for _, sample := range samples {
			c.kpi.Record(metric, sample.Value, sample.Tick)
		}
	}
	for k, v := range s.Research {
		c.research[k] = v
	}
	c.counters = s.Counters.clone()
	for _, r := range s.Intents {
		i, _ := r.Intent()
		c.intents = append(c.intents, i)
	}
	return c, nil
}
