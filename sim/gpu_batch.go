// gpu_batch.go
//
// Defines the GPU batch engine, which groups GPU-bound jobs per pipeline into
// batches and decides when a batch is ready to run on the GPU farm.

package sim

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// ErrVRAMExhausted is returned by Admit when an item does not fit in the farm's free VRAM.
var ErrVRAMExhausted = errors.New("vram exhausted")

// BatchItem is one GPU-bound job waiting in a batch buffer.
type BatchItem struct {
	Job        EnqueuedJob `json:"job"`
	VRAMBytes  int64       `json:"vram_bytes"`
	Bytes      int64       `json:"bytes"`       // payload moved over PCIe
	AdmittedAt int64       `json:"admitted_at"` // tick the item entered the buffer
}

// GpuBatchBuffer accumulates items of one pipeline until the batch flushes.
type GpuBatchBuffer struct {
	PipelineID    string      `json:"pipeline_id"`
	Items         []BatchItem `json:"items"`
	FirstEnqueued int64       `json:"first_enqueued"`
}

// Size returns the number of items in the buffer.
func (b *GpuBatchBuffer) Size() int {
	return len(b.Items)
}

// VRAMBytes is the VRAM the whole batch needs.
func (b *GpuBatchBuffer) VRAMBytes() int64 {
	var total int64
	for _, it := range b.Items {
		total += it.VRAMBytes
	}
	return total
}

// TotalBytes is the payload the batch moves over PCIe.
func (b *GpuBatchBuffer) TotalBytes() int64 {
	var total int64
	for _, it := range b.Items {
		total += it.Bytes
	}
	return total
}

// JobIDs returns the IDs of the batched jobs in admission order.
func (b *GpuBatchBuffer) JobIDs() []string {
	ids := make([]string, len(b.Items))
	for i, it := range b.Items {
		ids[i] = it.Job.Job.ID
	}
	return ids
}

// ShouldFlush reports whether the buffer is ready to run at tick now: it holds
// batch_max items, or batch_timeout_ms worth of ticks have elapsed since the
// first item arrived. An empty buffer never flushes.
func (b *GpuBatchBuffer) ShouldFlush(t Tunables, now int64) bool {
	if len(b.Items) == 0 {
		return false
	}
	if len(b.Items) >= t.GPU.BatchMax {
		return true
	}
	timeout := t.TicksFor(t.GPU.BatchTimeoutMs)
	return now-b.FirstEnqueued >= timeout
}

// BatchTimeMs is the nominal execution time of the batch before throttling:
// kernel launch, warmup when the farm is cold, PCIe transfer, and per-item
// compute inflated for under-filled batches. Mixed precision divides the total.
func (b *GpuBatchBuffer) BatchTimeMs(g GPUTunables, warm bool) float64 {
	size := len(b.Items)
	if size == 0 {
		return 0
	}
	ms := g.KernelLaunchMs
	if !warm {
		ms += g.WarmupMs
	}
	ms += PCIeTransferMs(b.TotalBytes(), g.PCIeGBps)

	fullness := float64(size) / float64(max(g.BatchMax, 1))
	ms += b.perItemCostMs(g) / min(fullness, 1) * float64(size)

	if g.MixedPrecision && g.MixedPrecisionSpeedup > 0 {
		ms /= g.MixedPrecisionSpeedup
	}
	return ms
}

// perItemCostMs is the mean GPU op cost of the items, or the configured
// per-item cost when the pipelines declare none.
func (b *GpuBatchBuffer) perItemCostMs(g GPUTunables) float64 {
	total := 0.0
	for _, it := range b.Items {
		total += it.Job.Job.GPUCostMs()
	}
	if total <= 0 {
		return g.PerItemCostMs
	}
	return total / float64(len(b.Items))
}

// PCIeTransferMs is the time to move bytes over a link of gbps gigabytes per second.
// A non-positive bandwidth means transfer cost is not modelled.
func PCIeTransferMs(bytes int64, gbps float64) float64 {
	if bytes <= 0 || gbps <= 0 {
		return 0
	}
	return float64(bytes) / (gbps * 1e9) * 1000
}

// GpuBatchEngine owns the batch buffers, keyed by pipeline ID.
type GpuBatchEngine struct {
	buffers map[string]*GpuBatchBuffer
	jobs    map[string]string // job ID -> pipeline ID
}

// NewGpuBatchEngine creates an engine with no pending batches.
func NewGpuBatchEngine() *GpuBatchEngine {
	return &GpuBatchEngine{
		buffers: make(map[string]*GpuBatchBuffer),
		jobs:    make(map[string]string),
	}
}

// Admit adds item to its pipeline's buffer at tick now. availableBytes is the
// farm VRAM not held by running batches; every pending buffer is charged against
// it, not just the item's own. Admit refuses with ErrVRAMExhausted when the
// pending batches plus the item would exceed availableBytes; the buffers are
// unchanged in that case and the caller keeps the job queued.
func (e *GpuBatchEngine) Admit(item BatchItem, availableBytes int64, now int64) error {
	if item.Job.Job == nil {
		return fmt.Errorf("admit: nil job")
	}
	id := item.Job.Job.ID
	if _, ok := e.jobs[id]; ok {
		return fmt.Errorf("admit %s: %w", id, ErrDuplicateJob)
	}
	pipeline := item.Job.Job.Pipeline.ID
	buf := e.buffers[pipeline]
	pending := e.PendingVRAM()
	if pending+item.VRAMBytes > availableBytes {
		return fmt.Errorf("admit %s to batch %q (%d pending + %d > %d bytes free): %w",
			id, pipeline, pending, item.VRAMBytes, availableBytes, ErrVRAMExhausted)
	}
	if buf == nil {
		buf = &GpuBatchBuffer{PipelineID: pipeline, FirstEnqueued: now}
		e.buffers[pipeline] = buf
	}
	item.AdmittedAt = now
	buf.Items = append(buf.Items, item)
	e.jobs[id] = pipeline
	return nil
}

// Ready returns the pipeline IDs whose buffers should flush at now, in lexical order.
func (e *GpuBatchEngine) Ready(t Tunables, now int64) []string {
	var ready []string
	for id, buf := range e.buffers {
		if buf.ShouldFlush(t, now) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// Flush removes and returns the whole buffer for pipelineID, or nil if there is none.
// A batch leaves the engine all at once; items are never split across batches.
func (e *GpuBatchEngine) Flush(pipelineID string) *GpuBatchBuffer {
	buf, ok := e.buffers[pipelineID]
	if !ok {
		return nil
	}
	delete(e.buffers, pipelineID)
	for _, it := range buf.Items {
		delete(e.jobs, it.Job.Job.ID)
	}
	logrus.Debugf("flushed batch %q with %d items (%d bytes VRAM)", pipelineID, buf.Size(), buf.VRAMBytes())
	return buf
}

// Buffer returns the pending buffer for pipelineID, or nil.
func (e *GpuBatchEngine) Buffer(pipelineID string) *GpuBatchBuffer {
	return e.buffers[pipelineID]
}

// Buffers returns the pending buffers ordered by pipeline ID.
func (e *GpuBatchEngine) Buffers() []*GpuBatchBuffer {
	ids := make([]string, 0, len(e.buffers))
	for id := range e.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*GpuBatchBuffer, len(ids))
	for i, id := range ids {
		out[i] = e.buffers[id]
	}
	return out
}

// PendingVRAM is the VRAM reserved by every pending buffer.
func (e *GpuBatchEngine) PendingVRAM() int64 {
	var total int64
	for _, buf := range e.buffers {
		total += buf.VRAMBytes()
	}
	return total
}

// Pending is the number of jobs waiting in all buffers.
func (e *GpuBatchEngine) Pending() int {
	return len(e.jobs)
}

// Contains reports whether job id is waiting in a buffer.
func (e *GpuBatchEngine) Contains(id string) bool {
	_, ok := e.jobs[id]
	return ok
}

// restore installs a buffer read from a snapshot.
func (e *GpuBatchEngine) restore(buf *GpuBatchBuffer) error {
	if _, ok := e.buffers[buf.PipelineID]; ok {
		return fmt.Errorf("duplicate batch buffer %q", buf.PipelineID)
	}
	for _, it := range buf.Items {
		if it.Job.Job == nil {
			return fmt.Errorf("batch buffer %q has an item without a job", buf.PipelineID)
		}
		if _, ok := e.jobs[it.Job.Job.ID]; ok {
			return fmt.Errorf("job %s appears in two batch buffers: %w", it.Job.Job.ID, ErrDuplicateJob)
		}
		e.jobs[it.Job.Job.ID] = buf.PipelineID
	}
	e.buffers[buf.PipelineID] = buf
	return nil
}
