// colony.go
//
// The Colony is the tick orchestrator: it owns every piece of mutable state
// and advances it one tick at a time in a fixed phase order.

package sim

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/colony-sim/colony-sim/sim/trace"
)

// Work is a job, or a GPU batch of jobs, occupying one worker.
type Work struct {
	WorkerID       string        `json:"worker_id"`
	YardID         string        `json:"yard_id"`
	Class          WorkClass     `json:"class"`
	PipelineID     string        `json:"pipeline_id,omitempty"` // set for GPU batches
	Jobs           []EnqueuedJob `json:"jobs"`
	StartAt        int64         `json:"start_at"` // first tick of execution, after any backoff
	FinishAt       int64         `json:"finish_at"`
	HeatRate       float64       `json:"heat_rate"`       // heat added per tick while executing
	BandwidthBytes float64       `json:"bandwidth_bytes"` // bytes per tick while executing
	VRAMBytes      int64         `json:"vram_bytes"`
}

// ID names the work for worker bookkeeping.
func (w *Work) ID() string {
	if w.PipelineID != "" {
		return fmt.Sprintf("batch:%s:%s", w.PipelineID, w.Jobs[0].Job.ID)
	}
	return w.Jobs[0].Job.ID
}

// JobIDs returns the IDs of the jobs in the work.
func (w *Work) JobIDs() []string {
	ids := make([]string, len(w.Jobs))
	for i, ej := range w.Jobs {
		ids[i] = ej.Job.ID
	}
	return ids
}

// Observer is notified at the end of every tick.
type Observer interface {
	ObserveTick(m MetricsSnapshot)
}

// ArrivalSource supplies the jobs that arrive at a tick.
type ArrivalSource interface {
	Arrivals(tick int64) []JobRequest
}

// Colony holds simulation time, the colony state and the per-tick loop.
// It is not safe for concurrent use except through Inbox.
type Colony struct {
	key      SimulationKey
	rng      *PartitionedRNG
	tick     int64
	tunables Tunables
	policy   Policy

	yards      []*Workyard
	yardByID   map[string]*Workyard
	workers    []*Worker
	workerByID map[string]*Worker

	queue   *JobQueue
	ledger  *DebtLedger
	batches *GpuBatchEngine
	kpi     *KPIRingBuffer
	swans   *BlackSwanIndex

	research    Research
	corruption  float64
	meters      ResourceMeters
	counters    Counters
	running     map[string]*Work // worker ID -> work
	intents     []Intent
	recentSwans []SwanFire
	jobSeq      int64

	// per-tick tallies, reset at the start of every Step
	tickFaults   int64
	tickRefusals int64

	inbox     *Inbox
	report    *trace.Log
	observers []Observer
}

// NewColony builds a colony at tick 0 from cfg.
func NewColony(cfg *ColonyConfig) (*Colony, error) {
	if cfg == nil {
		return nil, fmt.Errorf("new colony: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, _ := ParsePolicy(cfg.Policy)
	c := newEmptyColony(NewSimulationKey(cfg.Seed), cfg.Tunables.Clamp(), policy, trace.TraceLevel(cfg.TraceLevel))

	for _, ys := range cfg.Yards {
		y := ys.workyard()
		y.Heat = c.tunables.AmbientHeat
		c.addYard(y)
	}
	for _, ws := range cfg.Workers {
		for _, w := range ws.workers(c.yardByID[ws.Yard].Kind.Class()) {
			c.addWorker(w)
		}
	}
	defs := make([]*BlackSwanDef, 0, len(cfg.BlackSwans))
	for _, s := range cfg.BlackSwans {
		d, err := s.Compile()
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	swans, err := NewBlackSwanIndex(defs)
	if err != nil {
		return nil, err
	}
	c.swans = swans
	c.meters = ResourceMeters{PowerScale: 1, PowerMultiplier: 1, PowerCap: c.tunables.PowerCap}

	logrus.Infof("[tick %07d] colony ready: %d yards, %d workers, %d black swans, policy %s",
		c.tick, len(c.yards), len(c.workers), len(defs), c.policy)
	return c, nil
}

func newEmptyColony(key SimulationKey, t Tunables, policy Policy, level trace.TraceLevel) *Colony {
	return &Colony{
		key:        key,
		rng:        NewPartitionedRNG(key),
		tunables:   t,
		policy:     policy,
		yardByID:   make(map[string]*Workyard),
		workerByID: make(map[string]*Worker),
		queue:      NewJobQueue(),
		ledger:     NewDebtLedger(),
		batches:    NewGpuBatchEngine(),
		kpi:        NewKPIRingBuffer(KPIHistoryLimit),
		research:   make(Research),
		counters:   newCounters(),
		running:    make(map[string]*Work),
		inbox:      &Inbox{},
		report:     trace.NewLog(level),
	}
}

func (c *Colony) addYard(y *Workyard) {
	c.yards = append(c.yards, y)
	c.yardByID[y.ID] = y
}

func (c *Colony) addWorker(w *Worker) {
	c.workers = append(c.workers, w)
	c.workerByID[w.ID] = w
}

// Tick returns the last completed tick.
func (c *Colony) Tick() int64 { return c.tick }

// Key returns the session's simulation key.
func (c *Colony) Key() SimulationKey { return c.key }

// Policy returns the active scheduler policy.
func (c *Colony) Policy() Policy { return c.policy }

// Tunables returns the active, clamped tunables.
func (c *Colony) Tunables() Tunables { return c.tunables }

// Inbox returns the control inbox. Commands apply at the next tick boundary.
func (c *Colony) Inbox() *Inbox { return c.inbox }

// Report returns the append-only report stream.
func (c *Colony) Report() *trace.Log { return c.report }

// Corruption returns the global corruption field.
func (c *Colony) Corruption() float64 { return c.corruption }

// Ledger returns the debt ledger. Callers must not modify it.
func (c *Colony) Ledger() *DebtLedger { return c.ledger }

// Worker returns a copy of the worker with id.
func (c *Colony) Worker(id string) (Worker, bool) {
	w, ok := c.workerByID[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// QueueSnapshot returns a copy of the sub-queue for class.
func (c *Colony) QueueSnapshot(class WorkClass) []EnqueuedJob {
	return c.queue.Snapshot(class)
}

// AddObserver registers o for end-of-tick notifications.
func (c *Colony) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// DrainIntents returns and clears the intents raised since the last drain.
func (c *Colony) DrainIntents() []Intent {
	out := c.intents
	c.intents = nil
	return out
}

// Run advances the colony by ticks, submitting arrivals from src (which may be nil)
// before each tick. It stops early when ctx is cancelled.
func (c *Colony) Run(ctx context.Context, ticks int64, src ArrivalSource) error {
	end := c.tick + ticks
	for c.tick < end {
		if err := ctx.Err(); err != nil {
			return err
		}
		if src != nil {
			for _, req := range src.Arrivals(c.tick + 1) {
				if err := c.inbox.SubmitJob(req); err != nil {
					logrus.Warnf("[tick %07d] dropping invalid arrival: %v", c.tick+1, err)
				}
			}
		}
		c.Step()
	}
	logrus.Infof("[tick %07d] run ended: %d completed, %d faults, %d queued",
		c.tick, c.counters.Completed, c.counters.Faults, c.queue.Total())
	return nil
}

// Step advances the colony by exactly one tick.
func (c *Colony) Step() {
	c.tick++
	now := c.tick
	c.tickFaults, c.tickRefusals = 0, 0

	if n := c.ledger.ClearExpired(now); n > 0 {
		logrus.Debugf("[tick %07d] %d debts expired", now, n)
	}
	c.drainInbox()
	c.retire(now)
	c.updateResources(now)
	c.dispatch(now)
	c.batchGPU(now)
	if now%c.tunables.KPIIntervalTicks == 0 {
		c.recordKPIs(now)
	}
	c.evaluateSwans(now)
	c.creep()
	c.notify()
}

func (c *Colony) drainInbox() {
	for _, cmd := range c.inbox.drain() {
		if err := cmd.apply(c); err != nil {
			logrus.Warnf("[tick %07d] %s: %v", c.tick, cmd.describe(), err)
		}
	}
}

// submit assigns the next job ID and enqueues the job at the current tick.
func (c *Colony) submit(req JobRequest) (string, error) {
	c.jobSeq++
	job, err := NewJob(NewJobID(c.key, c.jobSeq), req)
	if err != nil {
		return "", err
	}
	if err := c.queue.Enqueue(job, c.tick); err != nil {
		return "", err
	}
	c.counters.Submitted++
	return job.ID, nil
}

// retire advances worker states and completes work that has finished by now.
func (c *Colony) retire(now int64) {
	for _, w := range c.workers {
		switch w.State {
		case WorkerRecovering:
			if w.RecoverAt > 0 && now >= w.RecoverAt {
				w.State = WorkerIdle
				w.RecoverAt = 0
				w.resetRetries()
				logrus.Infof("[tick %07d] worker %s auto-recovered", now, w.ID)
			}
			continue
		case WorkerBlocked:
			if now < w.BlockedUntil {
				continue
			}
			w.State = WorkerRunning
			w.BlockedUntil = 0
		case WorkerQueued:
			w.State = WorkerRunning
		}
		if w.State != WorkerRunning {
			continue
		}
		work := c.running[w.ID]
		if work == nil {
			panic(fmt.Sprintf("worker %s is running with no work", w.ID))
		}
		if now >= work.FinishAt {
			c.complete(w, work, now)
		}
	}
}

func (c *Colony) complete(w *Worker, work *Work, now int64) {
	delete(c.running, w.ID)
	w.release()
	w.resetRetries()
	if y := c.yardByID[work.YardID]; y != nil && y.GPU != nil {
		y.GPU.VRAMInUse = max(y.GPU.VRAMInUse-work.VRAMBytes, 0)
	}
	missed := 0
	for _, ej := range work.Jobs {
		if ej.Job.DeadlineMs > 0 && float64(now-ej.EnqueuedAt)*c.tunables.TickMs > float64(ej.Job.DeadlineMs) {
			missed++
		}
	}
	c.counters.Completed += int64(len(work.Jobs))
	c.counters.DeadlineMisses += int64(missed)
	c.report.RecordCompletion(trace.CompletionRecord{Tick: now, WorkerID: w.ID, JobIDs: work.JobIDs(), DeadlineMissed: missed})
}

// updateResources feeds the work that ran during the previous tick into the resource model.
func (c *Colony) updateResources(now int64) {
	loads := make(map[string]YardLoad, len(c.yards))
	for _, w := range c.workers {
		work := c.running[w.ID]
		if work == nil {
			continue
		}
		l := loads[work.YardID]
		l.ActiveSlots++
		if now >= work.StartAt {
			l.HeatRate += work.HeatRate
			l.BandwidthBytes += work.BandwidthBytes
		}
		loads[work.YardID] = l
	}
	c.meters = UpdateResources(c.yards, loads, c.tunables, c.ledger, c.research)
}

func (c *Colony) idleWorkers(yardID string) []*Worker {
	var idle []*Worker
	for _, w := range c.workers {
		if w.YardID == yardID && w.Available() {
			idle = append(idle, w)
		}
	}
	return idle
}

// dispatch assigns queued CPU and IO jobs to idle workers, yard by yard.
func (c *Colony) dispatch(now int64) {
	for _, y := range c.yards {
		if y.Kind == YardGPUFarm {
			continue
		}
		class := y.Kind.Class()
		picks := c.policy.Pick(y, c.queue.Items(class), c.idleWorkers(y.ID))
		if len(picks) == 0 {
			continue
		}
		ids := make([]string, len(picks))
		for i, a := range picks {
			ids[i] = a.Job.Job.ID
		}
		c.queue.Remove(ids...)
		for _, a := range picks {
			c.startJob(y, a, now)
		}
	}
}

func (c *Colony) startJob(y *Workyard, a Assignment, now int64) {
	job := a.Job.Job
	class := y.Kind.Class()
	exec := c.execTicks(job.TotalCostMs(), a.Worker, y, class)
	work := &Work{
		WorkerID:       a.Worker.ID,
		YardID:         y.ID,
		Class:          class,
		Jobs:           []EnqueuedJob{a.Job},
		StartAt:        now,
		FinishAt:       now + exec,
		HeatRate:       job.WorkUnits() * c.tunables.HeatPerWorkUnit,
		BandwidthBytes: float64(job.PayloadBytes) / float64(exec),
	}
	p := c.faultProbability(a.Worker, y, Starvation(a.Job, now, c.tunables.StarvationWindowTicks()))
	roll := c.rollFault(SubsystemFault, a.Worker, p, now)
	c.launch(y, a.Worker, work, roll, now)
}

// batchGPU moves queued GPU jobs into batch buffers and flushes ready batches
// onto idle GPU workers.
func (c *Colony) batchGPU(now int64) {
	y := c.gpuYard()
	if y == nil {
		return
	}
	capacity := VRAMCapacity(c.tunables, c.ledger, c.research)
	available := max(capacity-y.GPU.VRAMInUse, 0)
	var admitted []string
	for _, ej := range c.policy.Order(c.queue.Items(ClassGPU)) {
		if buf := c.batches.Buffer(ej.Job.Pipeline.ID); buf != nil && buf.Size() >= c.tunables.GPU.BatchMax {
			continue
		}
		item := BatchItem{Job: ej, VRAMBytes: ej.Job.VRAMBytes(), Bytes: ej.Job.PayloadBytes}
		if err := c.batches.Admit(item, available, now); err != nil {
			if errors.Is(err, ErrVRAMExhausted) {
				c.counters.VRAMRefusals++
				c.tickRefusals++
				c.report.RecordRefusal(trace.RefusalRecord{Tick: now, JobID: ej.Job.ID, Reason: err.Error()})
				logrus.Warnf("[tick %07d] %v", now, err)
				continue
			}
			panic(fmt.Sprintf("batch admission: %v", err))
		}
		admitted = append(admitted, ej.Job.ID)
	}
	c.queue.Remove(admitted...)

	idle := c.idleWorkers(y.ID)
	for _, pipeline := range c.batches.Ready(c.tunables, now) {
		if len(idle) == 0 || y.FreeSlots() == 0 {
			break
		}
		// a vram-leak debt can shrink capacity after admission; hold the batch until it fits
		if need := c.batches.Buffer(pipeline).VRAMBytes(); y.GPU.VRAMInUse+need > capacity {
			logrus.Debugf("[tick %07d] holding batch %q: %d bytes needed, %d in use of %d", now, pipeline, need, y.GPU.VRAMInUse, capacity)
			continue
		}
		w := idle[0]
		idle = idle[1:]
		c.runBatch(y, w, c.batches.Flush(pipeline), now)
	}
}

func (c *Colony) gpuYard() *Workyard {
	for _, y := range c.yards {
		if y.Kind == YardGPUFarm {
			return y
		}
	}
	return nil
}

func (c *Colony) runBatch(y *Workyard, w *Worker, buf *GpuBatchBuffer, now int64) {
	batchMs := buf.BatchTimeMs(c.tunables.GPU, y.GPU.Warm)
	y.GPU.Warm = true
	exec := c.execTicks(batchMs, w, y, ClassGPU)

	jobs := make([]EnqueuedJob, len(buf.Items))
	heat, starvation := 0.0, 0.0
	window := c.tunables.StarvationWindowTicks()
	for i, it := range buf.Items {
		jobs[i] = it.Job
		heat += it.Job.Job.WorkUnits() * c.tunables.HeatPerWorkUnit
		starvation = max(starvation, Starvation(it.Job, now, window))
	}
	work := &Work{
		WorkerID:       w.ID,
		YardID:         y.ID,
		Class:          ClassGPU,
		PipelineID:     buf.PipelineID,
		Jobs:           jobs,
		StartAt:        now,
		FinishAt:       now + exec,
		HeatRate:       heat,
		BandwidthBytes: float64(buf.TotalBytes()) / float64(exec),
		VRAMBytes:      buf.VRAMBytes(),
	}
	y.GPU.BatchesFlushed++
	c.counters.BatchesFlushed++

	// one roll for the whole batch: every item shares the outcome
	p := c.faultProbability(w, y, starvation)
	roll := c.rollFault(SubsystemBatch, w, p, now)
	if roll.Hit {
		c.counters.BatchFaults++
	}
	c.report.RecordBatch(trace.BatchRecord{
		Tick:       now,
		PipelineID: buf.PipelineID,
		WorkerID:   w.ID,
		Size:       buf.Size(),
		VRAMBytes:  work.VRAMBytes,
		BatchMs:    batchMs,
		ExecTicks:  exec,
		Faulted:    roll.Hit,
	})
	c.launch(y, w, work, roll, now)
}

// launch starts work on w, or hands it to the fault path when roll hit.
func (c *Colony) launch(y *Workyard, w *Worker, work *Work, roll FaultRoll, now int64) {
	if roll.Hit && !c.fault(y, w, work, roll, now) {
		return
	}
	if !roll.Hit {
		w.assign(work.ID(), work.FinishAt)
	}
	c.running[w.ID] = work
	y.ActiveSlots++
	if y.GPU != nil {
		y.GPU.VRAMInUse += work.VRAMBytes
	}
	c.counters.Dispatched += int64(len(work.Jobs))
	c.report.RecordDispatch(trace.DispatchRecord{
		Tick:      now,
		WorkerID:  w.ID,
		YardID:    y.ID,
		JobIDs:    work.JobIDs(),
		Policy:    c.policy.String(),
		ExecTicks: work.FinishAt - work.StartAt,
	})
	logrus.Debugf("[tick %07d] %s -> worker %s until tick %d", now, work.ID(), w.ID, work.FinishAt)
}

// fault applies a fault to work about to start on w. It reports whether the
// work stays with the worker (a transient retry after backoff).
func (c *Colony) fault(y *Workyard, w *Worker, work *Work, roll FaultRoll, now int64) bool {
	out := HandleFault(w, roll.Kind, now, c.tunables)
	c.counters.Faults++
	c.counters.FaultsByKind[out.Kind]++
	c.tickFaults++
	c.kpi.Record(MetricFaultEvent, 1, now)

	rec := trace.FaultRecord{
		Tick:        now,
		WorkerID:    w.ID,
		YardID:      y.ID,
		JobIDs:      work.JobIDs(),
		Kind:        string(out.Kind),
		Original:    string(out.Original),
		Escalated:   out.Escalated,
		Probability: roll.Probability,
	}
	defer func() { c.report.RecordFault(rec) }()

	if out.Escalated {
		c.counters.Escalations++
		logrus.Warnf("[tick %07d] worker %s exhausted retries, %s escalated to %s", now, w.ID, out.Original, out.Kind)
	}
	if out.Kind == FaultStickyConfig {
		c.counters.StickyFaults++
		logrus.Warnf("[tick %07d] worker %s quarantined after sticky config fault", now, w.ID)
	}

	switch {
	case out.Retry:
		rec.Outcome = "retry"
		c.counters.Retries++
		shift := w.BlockedUntil - work.StartAt
		work.StartAt += shift
		work.FinishAt += shift
		w.CurrentJob = work.ID()
		w.BusyUntil = work.FinishAt
		return true
	case out.Requeue:
		rec.Outcome = "requeue"
		for i := len(work.Jobs) - 1; i >= 0; i-- {
			if err := c.queue.Requeue(work.Jobs[i]); err != nil {
				panic(fmt.Sprintf("requeue after fault: %v", err))
			}
		}
		c.counters.Requeued += int64(len(work.Jobs))
	case out.Missed:
		rec.Outcome = "missed"
		c.counters.MissedJobs += int64(len(work.Jobs))
	}
	return false
}

func (c *Colony) faultProbability(w *Worker, y *Workyard, starvation float64) float64 {
	in := FaultInputs{
		BaseRate:         c.tunables.BaseFaultRate,
		GlobalCorruption: c.corruption,
		WorkerCorruption: w.EffectiveCorruption(),
		HeatFrac:         y.HeatFraction(),
		BandwidthUtil:    y.BandwidthUtil,
		Starvation:       starvation,
	}
	return FaultProbability(in, c.tunables.FaultWeights) * c.research.Multiplier(ResearchFaultRate)
}

// rollFault draws from the named stream of tick now. Discipline damps the
// probability input only; the kind weights see the worker's raw corruption.
func (c *Colony) rollFault(stream string, w *Worker, p float64, now int64) FaultRoll {
	return RollFault(c.rng.ForTick(stream, now), p, w.Corruption, c.ledger)
}

func (c *Colony) execTicks(costMs float64, w *Worker, y *Workyard, class WorkClass) int64 {
	bw := BandwidthLatencyMultiplier(y.BandwidthUtil, c.tunables.BandwidthTailExp)
	return ExecutionTicks(costMs, w.Speed(class), y.Throttle, c.meters.PowerScale, bw, c.tunables.TickMs)
}

func (c *Colony) recordKPIs(now int64) {
	k := c.kpi
	k.Record(MetricPowerDraw, c.meters.PowerDraw*c.meters.PowerMultiplier, now)
	k.Record(MetricPowerScale, c.meters.PowerScale, now)
	k.Record(MetricBandwidthUtil, c.meters.BandwidthUtil, now)
	k.Record(MetricCorruption, c.corruption, now)
	k.Record(MetricHeatFraction, c.meters.MeanHeatFraction, now)
	k.Record(MetricQueueDepth, float64(c.queue.Total()), now)
	starvation := 0.0
	for class := WorkClass(0); class < NumWorkClasses; class++ {
		starvation = max(starvation, c.queue.MaxStarvation(class, now, c.tunables.StarvationWindowTicks()))
	}
	k.Record(MetricStarvation, starvation, now)
	k.Record(MetricFaults, float64(c.tickFaults), now)
	k.Record(MetricStickyFaults, float64(c.counters.StickyFaults), now)
	k.Record(MetricDebts, float64(c.ledger.Len()), now)
	k.Record(MetricMissedJobs, float64(c.counters.MissedJobs), now)
	k.Record(MetricVRAMRefusals, float64(c.tickRefusals), now)
}

func (c *Colony) evaluateSwans(now int64) {
	out := c.swans.Evaluate(c.kpi, now, c.tunables, c.rng.ForTick(SubsystemSwan, now), c.ledger)
	if out == nil {
		return
	}
	c.corruption = clamp(c.corruption+out.CorruptionDelta, 0, 1)
	for _, i := range out.Intents {
		c.raiseIntent(i)
	}
	kinds := make([]string, len(out.Debts))
	for i, d := range out.Debts {
		kinds[i] = string(d.Kind())
	}
	c.report.RecordSwan(trace.SwanRecord{
		Tick:            now,
		SwanID:          out.SwanID,
		Debts:           kinds,
		Intents:         len(out.Intents),
		CorruptionDelta: out.CorruptionDelta,
	})
	c.recentSwans = append(c.recentSwans, SwanFire{ID: out.SwanID, Tick: now})
	if len(c.recentSwans) > recentSwanLimit {
		c.recentSwans = c.recentSwans[len(c.recentSwans)-recentSwanLimit:]
	}
}

func (c *Colony) raiseIntent(i Intent) {
	c.intents = append(c.intents, i)
	m := i.Meta()
	c.report.RecordIntent(trace.IntentRecord{Tick: m.Tick, Kind: string(i.Kind()), Target: IntentTarget(i), Source: m.Source})
}

// creep grows the corruption field, faster when the colony runs hot.
func (c *Colony) creep() {
	c.corruption = clamp(c.corruption+c.tunables.CorruptionCreepPerTick*(1+c.meters.MeanHeatFraction), 0, 1)
}

func (c *Colony) notify() {
	if len(c.observers) == 0 {
		return
	}
	m := c.Metrics()
	for _, o := range c.observers {
		o.ObserveTick(m)
	}
}

// Metrics returns a read-only snapshot of the colony meters.
func (c *Colony) Metrics() MetricsSnapshot {
	m := MetricsSnapshot{
		Tick:              c.tick,
		Policy:            c.policy.String(),
		PowerDraw:         c.meters.PowerDraw * c.meters.PowerMultiplier,
		PowerCap:          c.meters.PowerCap,
		PowerScale:        c.meters.PowerScale,
		BandwidthUtil:     c.meters.BandwidthUtil,
		BandwidthCapacity: c.meters.BandwidthCapacity,
		Corruption:        c.corruption,
		MeanHeatFraction:  c.meters.MeanHeatFraction,
		Yards:             make([]YardMeters, 0, len(c.yards)),
		QueueDepth:        make(map[string]int, NumWorkClasses),
		WorkerStates:      make(map[WorkerState]int),
		Counters:          c.counters.clone(),
		ActiveDebts:       c.ledger.Records(),
		RecentSwans:       append([]SwanFire(nil), c.recentSwans...),
		Research:          make(Research, len(c.research)),
		Illusions:         c.ledger.Illusions(),
		DebtsByKind:       c.ledger.CountByKind(),
	}
	for _, y := range c.yards {
		m.Yards = append(m.Yards, YardMeters{
			ID:            y.ID,
			Kind:          y.Kind,
			Heat:          y.Heat,
			HeatFraction:  y.HeatFraction(),
			Throttle:      y.Throttle,
			PowerDraw:     y.PowerDraw,
			BandwidthUtil: y.BandwidthUtil,
			ActiveSlots:   y.ActiveSlots,
			Slots:         y.Slots,
		})
		if y.GPU != nil {
			m.GPU = &GPUStatus{
				VRAMInUse:      y.GPU.VRAMInUse,
				VRAMCapacity:   VRAMCapacity(c.tunables, c.ledger, c.research),
				PendingBatches: len(c.batches.Buffers()),
				PendingJobs:    c.batches.Pending(),
				BatchesFlushed: y.GPU.BatchesFlushed,
				Warm:           y.GPU.Warm,
			}
		}
	}
	for class := WorkClass(0); class < NumWorkClasses; class++ {
		m.QueueDepth[class.String()] = c.queue.Len(class)
	}
	for _, w := range c.workers {
		m.WorkerStates[w.State]++
	}
	seen := make(map[string]bool)
	for _, d := range m.ActiveDebts {
		if d.Source != "" && d.Source != ControlSource && !seen[d.Source] {
			seen[d.Source] = true
			m.ActiveSwans = append(m.ActiveSwans, d.Source)
		}
	}
	for k, v := range c.research {
		m.Research[k] = v
	}
	return m
}
