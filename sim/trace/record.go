// Package trace provides the colony's append-only report stream.
// This package has no dependencies on sim/. It stores pure data types.
package trace

// FaultRecord captures one injected fault and how it was handled.
type FaultRecord struct {
	Tick        int64
	WorkerID    string
	YardID      string
	JobIDs      []string // more than one for a batch-level fault
	Kind        string   // kind after escalation
	Original    string   // kind as drawn
	Escalated   bool
	Probability float64
	Outcome     string // "retry", "requeue" or "missed"
}

// DispatchRecord captures a job or batch handed to a worker.
type DispatchRecord struct {
	Tick      int64
	WorkerID  string
	YardID    string
	JobIDs    []string
	Policy    string
	ExecTicks int64
}

// CompletionRecord captures work finishing on a worker.
type CompletionRecord struct {
	Tick           int64
	WorkerID       string
	JobIDs         []string
	DeadlineMissed int // jobs in this completion that finished past their deadline
}

// BatchRecord captures a GPU batch flush.
type BatchRecord struct {
	Tick       int64
	PipelineID string
	WorkerID   string
	Size       int
	VRAMBytes  int64
	BatchMs    float64 // nominal batch time before throttling
	ExecTicks  int64
	Faulted    bool
}

// SwanRecord captures a black swan firing.
type SwanRecord struct {
	Tick            int64
	SwanID          string
	Debts           []string // debt kinds added
	Intents         int
	CorruptionDelta float64
}

// IntentRecord captures a queued mutation intent.
type IntentRecord struct {
	Tick   int64
	Kind   string
	Target string
	Source string
}

// RefusalRecord captures admission control turning work away for this tick.
type RefusalRecord struct {
	Tick   int64
	JobID  string
	Reason string
}
