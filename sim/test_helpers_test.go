package sim

import (
	"fmt"
	"testing"
)

// cpuRequest builds a single-op CPU job request.
func cpuRequest(costMs float64, deadlineMs int64) JobRequest {
	return JobRequest{
		Pipeline:   Pipeline{ID: "cpu-pipe", Ops: []Op{{Name: "crunch", Class: ClassCPU, CostMs: costMs, WorkUnits: 1}}},
		DeadlineMs: deadlineMs,
	}
}

// gpuRequest builds a single-op GPU job request on pipeline.
func gpuRequest(pipeline string, vram int64) JobRequest {
	return JobRequest{
		Pipeline:     Pipeline{ID: pipeline, Ops: []Op{{Name: "infer", Class: ClassGPU, CostMs: 4, WorkUnits: 2, VRAMBytes: vram}}},
		PayloadBytes: 1 << 20,
	}
}

// mustJob builds a job or fails the test.
func mustJob(t *testing.T, id string, req JobRequest) *Job {
	t.Helper()
	j, err := NewJob(id, req)
	if err != nil {
		t.Fatalf("NewJob(%s): %v", id, err)
	}
	return j
}

// enqueued wraps jobs as queue entries enqueued at tick.
func enqueued(tick int64, jobs ...*Job) []EnqueuedJob {
	out := make([]EnqueuedJob, len(jobs))
	for i, j := range jobs {
		out[i] = EnqueuedJob{Job: j, EnqueuedAt: tick}
	}
	return out
}

func jobIDs(items []EnqueuedJob) []string {
	ids := make([]string, len(items))
	for i, ej := range items {
		ids[i] = ej.Job.ID
	}
	return ids
}

// idleWorkers creates n idle CPU workers in yard.
func idleWorkers(yard string, n int) []*Worker {
	out := make([]*Worker, n)
	for i := range out {
		out[i] = &Worker{ID: fmt.Sprintf("w%d", i), YardID: yard, State: WorkerIdle, Skills: Skills{CPU: 1, GPU: 1, IO: 1}}
	}
	return out
}

// quietConfig is a colony with faults, corruption creep and black swans
// switched off, so tests can reason about exact tick timing.
func quietConfig() *ColonyConfig {
	cfg := DefaultColonyConfig()
	cfg.Tunables.BaseFaultRate = 0
	cfg.Tunables.FaultWeights = FaultWeights{}
	cfg.Tunables.CorruptionCreepPerTick = 0
	cfg.BlackSwans = nil
	for i := range cfg.Workers {
		cfg.Workers[i].Focus = 1
	}
	return cfg
}

func mustColony(t *testing.T, cfg *ColonyConfig) *Colony {
	t.Helper()
	c, err := NewColony(cfg)
	if err != nil {
		t.Fatalf("NewColony: %v", err)
	}
	return c
}

// tickArrivals is an ArrivalSource backed by a fixed schedule.
type tickArrivals map[int64][]JobRequest

func (a tickArrivals) Arrivals(tick int64) []JobRequest { return a[tick] }

// churnArrivals submits a mixed job every tick, deterministically.
type churnArrivals struct{}

func (churnArrivals) Arrivals(tick int64) []JobRequest {
	switch tick % 3 {
	case 0:
		return []JobRequest{cpuRequest(float64(10+tick%40), 200+tick%300)}
	case 1:
		return []JobRequest{gpuRequest(fmt.Sprintf("pipe-%d", tick%2), 512<<20)}
	default:
		return []JobRequest{{
			Pipeline:     Pipeline{ID: "io-pipe", Ops: []Op{{Name: "fetch", Class: ClassIO, CostMs: 15, WorkUnits: 1}}},
			PayloadBytes: 8 << 20,
			DeadlineMs:   500,
		}}
	}
}
