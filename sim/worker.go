package sim

import "fmt"

// WorkerState represents the lifecycle state of a worker.
type WorkerState string

const (
	WorkerIdle       WorkerState = "idle"
	WorkerQueued     WorkerState = "queued"     // assigned, waiting for its first tick of execution
	WorkerRunning    WorkerState = "running"
	WorkerBlocked    WorkerState = "blocked"    // backing off after a transient fault
	WorkerRecovering WorkerState = "recovering" // quarantined by a sticky config fault
)

var validWorkerStates = map[WorkerState]bool{
	WorkerIdle: true, WorkerQueued: true, WorkerRunning: true, WorkerBlocked: true, WorkerRecovering: true,
}

// Skills holds per-class execution speed multipliers. 1.0 is nominal.
type Skills struct {
	CPU float64 `yaml:"cpu" json:"cpu"`
	GPU float64 `yaml:"gpu" json:"gpu"`
	IO  float64 `yaml:"io" json:"io"`
}

// For returns the multiplier for class, never below 0.05.
func (s Skills) For(class WorkClass) float64 {
	var v float64
	switch class {
	case ClassCPU:
		v = s.CPU
	case ClassGPU:
		v = s.GPU
	case ClassIO:
		v = s.IO
	}
	return clamp(v, 0.05, 10)
}

// RetryPolicy bounds how often a worker retries after transient faults.
type RetryPolicy struct {
	MaxRetries   int   `yaml:"max_retries" json:"max_retries"`
	BackoffTicks int64 `yaml:"backoff_ticks" json:"backoff_ticks"`
}

// Worker is a member of the colony's workforce. Workers are created at setup
// and never destroyed during a session.
type Worker struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	YardID     string      `json:"yard_id"`
	Affinity   WorkClass   `json:"affinity"`
	Skills     Skills      `json:"skills"`
	Discipline float64     `json:"discipline"` // [0,1]; dampens the worker's own corruption in fault rolls
	Focus      float64     `json:"focus"`      // [0,1]; scales execution speed
	Corruption float64     `json:"corruption"` // [0,1]
	State      WorkerState `json:"state"`
	Retry      RetryPolicy `json:"retry"`

	RetriesLeft  int    `json:"retries_left"`
	StickyFaults int    `json:"sticky_faults"`
	CurrentJob   string `json:"current_job,omitempty"` // job or batch being executed
	BusyUntil    int64  `json:"busy_until"`            // tick at which current work finishes
	BlockedUntil int64  `json:"blocked_until"`         // end of a transient-fault backoff
	RecoverAt    int64  `json:"recover_at"`            // auto-recovery tick; 0 = manual only
}

// Available reports whether the worker can take new work.
func (w *Worker) Available() bool {
	return w.State == WorkerIdle
}

// Speed is the worker's effective execution multiplier for class.
func (w *Worker) Speed(class WorkClass) float64 {
	return w.Skills.For(class) * (0.75 + 0.25*clamp(w.Focus, 0, 1))
}

// EffectiveCorruption is the worker corruption fed into the fault probability.
// Discipline damps it by up to half.
func (w *Worker) EffectiveCorruption() float64 {
	return clamp(w.Corruption, 0, 1) * (1 - 0.5*clamp(w.Discipline, 0, 1))
}

// assign hands the worker a unit of work that finishes at busyUntil.
// The worker stays Queued until the next tick boundary starts it.
func (w *Worker) assign(workID string, busyUntil int64) {
	w.State = WorkerQueued
	w.CurrentJob = workID
	w.BusyUntil = busyUntil
}

// release returns the worker to the idle pool.
func (w *Worker) release() {
	w.State = WorkerIdle
	w.CurrentJob = ""
	w.BusyUntil = 0
	w.BlockedUntil = 0
}

// resetRetries restores the full retry budget after a successful completion.
func (w *Worker) resetRetries() {
	w.RetriesLeft = w.Retry.MaxRetries
}

func (w Worker) String() string {
	return fmt.Sprintf("Worker: (ID: %s, Yard: %s, State: %s, Corruption: %.3f)", w.ID, w.YardID, w.State, w.Corruption)
}
