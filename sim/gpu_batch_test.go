package sim

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batchItem(t *testing.T, id, pipeline string, vram int64) BatchItem {
	t.Helper()
	j := mustJob(t, id, gpuRequest(pipeline, vram))
	return BatchItem{Job: EnqueuedJob{Job: j}, VRAMBytes: j.VRAMBytes(), Bytes: j.PayloadBytes}
}

func batchTunables() Tunables {
	tun := DefaultTunables()
	tun.TickMs = 10
	tun.GPU.BatchMax = 4
	tun.GPU.BatchTimeoutMs = 50
	return tun
}

func TestGpuBatchEngine_FlushesAtBatchMax(t *testing.T) {
	// GIVEN a batch_max of 4
	tun := batchTunables()
	e := NewGpuBatchEngine()

	// WHEN three items are admitted the buffer is not ready
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Admit(batchItem(t, fmt.Sprintf("j%d", i), "p", 1), 1<<40, 1))
	}
	assert.Empty(t, e.Ready(tun, 1))

	// WHEN the fourth arrives
	require.NoError(t, e.Admit(batchItem(t, "j3", "p", 1), 1<<40, 1))

	// THEN it flushes the same tick, all four items at once
	require.Equal(t, []string{"p"}, e.Ready(tun, 1))
	buf := e.Flush("p")
	assert.Equal(t, []string{"j0", "j1", "j2", "j3"}, buf.JobIDs())
	assert.Equal(t, 0, e.Pending())
	assert.Nil(t, e.Buffer("p"))
}

func TestGpuBatchEngine_FlushesOnTimeout(t *testing.T) {
	// GIVEN a 50ms timeout on 10ms ticks and a single item admitted at tick 3
	tun := batchTunables()
	e := NewGpuBatchEngine()
	require.NoError(t, e.Admit(batchItem(t, "j0", "p", 1), 1<<40, 3))

	// WHEN fewer than five ticks have passed it keeps waiting
	assert.Empty(t, e.Ready(tun, 7))

	// THEN at five ticks it flushes
	assert.Equal(t, []string{"p"}, e.Ready(tun, 8))
}

func TestGpuBatchEngine_RefusesOverCapacity(t *testing.T) {
	// GIVEN a 10-byte capacity and 6-byte items
	e := NewGpuBatchEngine()
	require.NoError(t, e.Admit(batchItem(t, "j0", "p", 6), 10, 1))

	// WHEN a second item would exceed it
	err := e.Admit(batchItem(t, "j1", "p", 6), 10, 1)

	// THEN it is refused and the buffer is unchanged
	assert.True(t, errors.Is(err, ErrVRAMExhausted), "got %v", err)
	assert.Equal(t, 1, e.Buffer("p").Size())
	assert.False(t, e.Contains("j1"))

	// AND another pipeline competes for the same VRAM
	assert.ErrorIs(t, e.Admit(batchItem(t, "j2", "q", 6), 10, 1), ErrVRAMExhausted)
	assert.NoError(t, e.Admit(batchItem(t, "j3", "q", 4), 10, 1))
	assert.Equal(t, int64(10), e.PendingVRAM())
}

func TestGpuBatchEngine_RejectsDuplicateJob(t *testing.T) {
	e := NewGpuBatchEngine()
	item := batchItem(t, "j0", "p", 1)
	require.NoError(t, e.Admit(item, 100, 1))
	assert.ErrorIs(t, e.Admit(item, 100, 2), ErrDuplicateJob)
}

func TestGpuBatchEngine_ReadyIsSorted(t *testing.T) {
	tun := batchTunables()
	e := NewGpuBatchEngine()
	for _, p := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, e.Admit(batchItem(t, "job-"+p, p, 1), 100, 0))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, e.Ready(tun, 100))
}

func TestBatchTimeMs(t *testing.T) {
	// GIVEN two items with 4ms of GPU work each in a batch_max 4 farm
	g := GPUTunables{BatchMax: 4, KernelLaunchMs: 0.5, WarmupMs: 25, MixedPrecisionSpeedup: 1.6}
	buf := &GpuBatchBuffer{PipelineID: "p", Items: []BatchItem{batchItem(t, "a", "p", 1), batchItem(t, "b", "p", 1)}}

	// THEN a half-full batch pays double per-item cost, and a cold farm pays warmup
	assert.InDelta(t, 0.5+25+16, buf.BatchTimeMs(g, false), 1e-9)
	assert.InDelta(t, 0.5+16, buf.BatchTimeMs(g, true), 1e-9)

	// AND mixed precision divides the total
	g.MixedPrecision = true
	assert.InDelta(t, 16.5/1.6, buf.BatchTimeMs(g, true), 1e-9)
}

func TestPCIeTransferMs(t *testing.T) {
	assert.InDelta(t, 1.0, PCIeTransferMs(16e6, 16), 1e-12)
	assert.Equal(t, 0.0, PCIeTransferMs(1<<20, 0))
}

func gpuOnlyConfig(batchMax int, vramPerGPU ByteSize) *ColonyConfig {
	cfg := quietConfig()
	cfg.Tunables.GPU.Count = 1
	cfg.Tunables.GPU.BatchMax = batchMax
	cfg.Tunables.GPU.VRAMPerGPU = vramPerGPU
	cfg.TraceLevel = "all"
	return cfg
}

func TestColony_VRAMRefusalKeepsJobQueued(t *testing.T) {
	// GIVEN a 1GiB farm and three 512MiB jobs for one pipeline
	c := mustColony(t, gpuOnlyConfig(8, 1<<30))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Inbox().SubmitJob(gpuRequest("embed", 512<<20)))
	}

	// WHEN one tick runs
	c.Step()

	// THEN two jobs are buffered and the third is refused but still queued
	m := c.Metrics()
	assert.Equal(t, int64(1), m.Counters.VRAMRefusals)
	assert.Equal(t, 2, m.GPU.PendingJobs)
	assert.Equal(t, 1, m.QueueDepth["gpu"])
	require.Len(t, c.Report().Refusals, 1)
	assert.Equal(t, NewJobID(c.Key(), 3), c.Report().Refusals[0].JobID)
}

func TestColony_BatchRunsAndReleasesVRAM(t *testing.T) {
	// GIVEN batch_max 2 and two GPU jobs
	c := mustColony(t, gpuOnlyConfig(2, 4<<30))
	for i := 0; i < 2; i++ {
		require.NoError(t, c.Inbox().SubmitJob(gpuRequest("embed", 512<<20)))
	}

	// WHEN the first tick runs they flush as one batch on one worker
	c.Step()
	require.Len(t, c.Report().Batches, 1)
	assert.Equal(t, 2, c.Report().Batches[0].Size)
	m := c.Metrics()
	assert.Equal(t, int64(1<<30), m.GPU.VRAMInUse)
	assert.Equal(t, int64(2), m.Counters.Dispatched)

	// THEN once the batch completes its VRAM is returned
	for i := 0; i < 100; i++ {
		c.Step()
	}
	m = c.Metrics()
	assert.Equal(t, int64(0), m.GPU.VRAMInUse)
	assert.Equal(t, int64(2), m.Counters.Completed)
	assert.True(t, m.GPU.Warm)
}

func TestColony_VRAMSharedAcrossPipelines(t *testing.T) {
	// GIVEN a 1GiB farm with four GPU workers, batch_max 2,
	// and six 512MiB jobs spread over three pipelines
	c := mustColony(t, gpuOnlyConfig(2, 1<<30))
	for _, p := range []string{"a", "a", "b", "b", "c", "c"} {
		require.NoError(t, c.Inbox().SubmitJob(gpuRequest(p, 512<<20)))
	}

	// WHEN one tick runs
	c.Step()

	// THEN only one batch fits and the other pipelines wait in the queue
	m := c.Metrics()
	assert.Equal(t, int64(1<<30), m.GPU.VRAMInUse)
	assert.Len(t, c.Report().Batches, 1)
	assert.Equal(t, int64(4), m.Counters.VRAMRefusals)
	assert.Equal(t, 4, m.QueueDepth["gpu"])

	// AND running plus buffered VRAM never exceeds the farm until all jobs finish
	for i := 0; i < 600; i++ {
		c.Step()
		m = c.Metrics()
		if used := m.GPU.VRAMInUse + c.batches.PendingVRAM(); used > m.GPU.VRAMCapacity {
			t.Fatalf("tick %d: %d bytes committed on a %d byte farm", c.Tick(), used, m.GPU.VRAMCapacity)
		}
	}
	assert.Equal(t, int64(6), m.Counters.Completed)
	assert.Len(t, c.Report().Batches, 3)
}

func TestColony_HoldsBatchWhenCapacityShrinks(t *testing.T) {
	// GIVEN a full 1GiB batch waiting on a long timeout
	cfg := gpuOnlyConfig(8, 1<<30)
	cfg.Tunables.GPU.BatchTimeoutMs = 50
	c := mustColony(t, cfg)
	for i := 0; i < 2; i++ {
		require.NoError(t, c.Inbox().SubmitJob(gpuRequest("embed", 512<<20)))
	}
	c.Step()
	require.Equal(t, 2, c.Metrics().GPU.PendingJobs)

	// WHEN a vram leak halves the farm before the timeout
	c.ledger.Add(VramLeakDebt{DebtMeta: DebtMeta{UntilTick: c.Tick() + 20}, Frac: 0.5})
	for i := 0; i < 10; i++ {
		c.Step()
	}

	// THEN the batch is held rather than flushed over capacity
	assert.Empty(t, c.Report().Batches)
	assert.Equal(t, int64(0), c.Metrics().GPU.VRAMInUse)

	// AND it runs once the leak expires
	for i := 0; i < 20; i++ {
		c.Step()
	}
	require.Len(t, c.Report().Batches, 1)
	assert.Equal(t, 2, c.Report().Batches[0].Size)
}
