// Defines the Job, Pipeline and Op types that model a unit of colony work.
// Jobs are immutable once created; only their queue position is tracked.

package sim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// WorkClass identifies which sub-queue and which kind of workyard a piece of work belongs to.
type WorkClass int

const (
	ClassCPU WorkClass = iota
	ClassGPU
	ClassIO
)

// NumWorkClasses is the number of distinct work classes.
const NumWorkClasses = 3

var workClassNames = [NumWorkClasses]string{"cpu", "gpu", "io"}

func (c WorkClass) String() string {
	if c < 0 || int(c) >= NumWorkClasses {
		return fmt.Sprintf("WorkClass(%d)", int(c))
	}
	return workClassNames[c]
}

// ParseWorkClass converts "cpu", "gpu" or "io" into a WorkClass.
func ParseWorkClass(s string) (WorkClass, error) {
	for i, name := range workClassNames {
		if strings.EqualFold(s, name) {
			return WorkClass(i), nil
		}
	}
	return 0, fmt.Errorf("unknown work class %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c WorkClass) MarshalText() ([]byte, error) {
	if c < 0 || int(c) >= NumWorkClasses {
		return nil, fmt.Errorf("invalid work class %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *WorkClass) UnmarshalText(b []byte) error {
	v, err := ParseWorkClass(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// QoSClass is the service class a job was submitted under.
type QoSClass string

const (
	QoSThroughput QoSClass = "throughput"
	QoSLatency    QoSClass = "latency"
	QoSBalanced   QoSClass = "balanced"
)

// ValidQoSClasses is the set of recognized QoS class names. Empty means balanced.
var ValidQoSClasses = map[QoSClass]bool{"": true, QoSThroughput: true, QoSLatency: true, QoSBalanced: true}

// Op is one stage of a pipeline.
type Op struct {
	Name      string    `json:"name"`
	Class     WorkClass `json:"class"`
	CostMs    float64   `json:"cost_ms"`    // fixed per-op execution cost
	WorkUnits float64   `json:"work_units"` // heat contribution
	VRAMBytes int64     `json:"vram_bytes"` // only meaningful for GPU ops
}

// Pipeline is the ordered sequence of ops a job runs through.
// ID identifies the pipeline template; GPU batching groups jobs by it.
type Pipeline struct {
	ID       string `json:"id"`
	Ops      []Op   `json:"ops"`
	Mutation string `json:"mutation,omitempty"`
}

// JobRequest is what the control surface submits. The colony assigns the ID.
type JobRequest struct {
	Pipeline     Pipeline
	QoS          QoSClass
	DeadlineMs   int64
	PayloadBytes int64
}

// Job is an immutable unit of work.
type Job struct {
	ID           string   `json:"id"`
	Pipeline     Pipeline `json:"pipeline"`
	QoS          QoSClass `json:"qos"`
	DeadlineMs   int64    `json:"deadline_ms"`
	PayloadBytes int64    `json:"payload_bytes"`
}

// EnqueuedJob pairs a job with the tick it entered the queue, for starvation accounting.
type EnqueuedJob struct {
	Job        *Job  `json:"job"`
	EnqueuedAt int64 `json:"enqueued_at"`
}

// jobNamespace roots the deterministic UUIDv5 job identifiers.
var jobNamespace = uuid.MustParse("6f1c2a52-4a0e-5c1e-9d7b-3c0de1c01097")

// NewJobID derives a stable job ID from the session seed and submission sequence number.
// Using name-based UUIDs keeps IDs reproducible across replays of the same seed.
func NewJobID(key SimulationKey, seq int64) string {
	return uuid.NewSHA1(jobNamespace, []byte(fmt.Sprintf("%d/%d", int64(key), seq))).String()
}

// ErrInvalidJob is returned when a job request fails validation.
var ErrInvalidJob = errors.New("invalid job")

// NewJob validates req and builds an immutable Job with the given ID.
func NewJob(id string, req JobRequest) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidJob)
	}
	if len(req.Pipeline.Ops) == 0 {
		return nil, fmt.Errorf("%w: pipeline %q has no ops", ErrInvalidJob, req.Pipeline.ID)
	}
	if !ValidQoSClasses[req.QoS] {
		return nil, fmt.Errorf("%w: unknown qos class %q", ErrInvalidJob, req.QoS)
	}
	if req.DeadlineMs < 0 || req.PayloadBytes < 0 {
		return nil, fmt.Errorf("%w: negative deadline or payload", ErrInvalidJob)
	}
	for i, op := range req.Pipeline.Ops {
		if op.CostMs < 0 || op.WorkUnits < 0 || op.VRAMBytes < 0 {
			return nil, fmt.Errorf("%w: op %d (%s) has negative cost", ErrInvalidJob, i, op.Name)
		}
		if op.Class < 0 || int(op.Class) >= NumWorkClasses {
			return nil, fmt.Errorf("%w: op %d (%s) has invalid class", ErrInvalidJob, i, op.Name)
		}
	}
	qos := req.QoS
	if qos == "" {
		qos = QoSBalanced
	}
	ops := make([]Op, len(req.Pipeline.Ops))
	copy(ops, req.Pipeline.Ops)
	return &Job{
		ID:           id,
		Pipeline:     Pipeline{ID: req.Pipeline.ID, Ops: ops, Mutation: req.Pipeline.Mutation},
		QoS:          qos,
		DeadlineMs:   req.DeadlineMs,
		PayloadBytes: req.PayloadBytes,
	}, nil
}

// Class classifies the job by inspecting its ops:
// any GPU op makes it a GPU job, otherwise any IO op makes it an IO job.
func (j *Job) Class() WorkClass {
	hasIO := false
	for _, op := range j.Pipeline.Ops {
		switch op.Class {
		case ClassGPU:
			return ClassGPU
		case ClassIO:
			hasIO = true
		}
	}
	if hasIO {
		return ClassIO
	}
	return ClassCPU
}

// TotalCostMs is the sum of all op costs. SJF orders by it.
func (j *Job) TotalCostMs() float64 {
	total := 0.0
	for _, op := range j.Pipeline.Ops {
		total += op.CostMs
	}
	return total
}

// GPUCostMs is the summed cost of the GPU ops only.
func (j *Job) GPUCostMs() float64 {
	total := 0.0
	for _, op := range j.Pipeline.Ops {
		if op.Class == ClassGPU {
			total += op.CostMs
		}
	}
	return total
}

// WorkUnits is the total heat contribution of the pipeline.
func (j *Job) WorkUnits() float64 {
	total := 0.0
	for _, op := range j.Pipeline.Ops {
		total += op.WorkUnits
	}
	return total
}

// VRAMBytes is the peak VRAM any single GPU op in the pipeline needs.
func (j *Job) VRAMBytes() int64 {
	var peak int64
	for _, op := range j.Pipeline.Ops {
		if op.Class == ClassGPU && op.VRAMBytes > peak {
			peak = op.VRAMBytes
		}
	}
	return peak
}

func (j Job) String() string {
	return fmt.Sprintf("Job: (ID: %s, Pipeline: %s, Class: %s, Deadline: %dms)", j.ID, j.Pipeline.ID, j.Class(), j.DeadlineMs)
}
