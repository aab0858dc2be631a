package trace

// TraceSummary aggregates statistics from a Log.
type TraceSummary struct {
	TotalFaults       int
	FaultsByKind      map[string]int
	Escalations       int
	MissedJobs        int
	Requeues          int
	Retries           int
	MeanFaultProb     float64
	MaxFaultProb      float64
	Batches           int
	MeanBatchSize     float64
	FaultedBatches    int
	SwanFires         map[string]int
	Intents           int
	Refusals          int
	Dispatches        int
	DeadlineMisses    int
	WorkerFaultCounts map[string]int // worker ID → faults
}

// Summarize computes aggregate statistics from a Log.
// Safe for nil or empty logs (returns zero-value fields).
func Summarize(l *Log) *TraceSummary {
	summary := &TraceSummary{
		FaultsByKind:      make(map[string]int),
		SwanFires:         make(map[string]int),
		WorkerFaultCounts: make(map[string]int),
	}
	if l == nil {
		return summary
	}

	summary.TotalFaults = len(l.Faults)
	if len(l.Faults) > 0 {
		totalProb := 0.0
		for _, f := range l.Faults {
			summary.FaultsByKind[f.Kind]++
			summary.WorkerFaultCounts[f.WorkerID]++
			if f.Escalated {
				summary.Escalations++
			}
			switch f.Outcome {
			case "missed":
				summary.MissedJobs += len(f.JobIDs)
			case "requeue":
				summary.Requeues += len(f.JobIDs)
			case "retry":
				summary.Retries++
			}
			totalProb += f.Probability
			if f.Probability > summary.MaxFaultProb {
				summary.MaxFaultProb = f.Probability
			}
		}
		summary.MeanFaultProb = totalProb / float64(len(l.Faults))
	}

	summary.Batches = len(l.Batches)
	if len(l.Batches) > 0 {
		items := 0
		for _, b := range l.Batches {
			items += b.Size
			if b.Faulted {
				summary.FaultedBatches++
			}
		}
		summary.MeanBatchSize = float64(items) / float64(len(l.Batches))
	}

	for _, s := range l.Swans {
		summary.SwanFires[s.SwanID]++
	}
	summary.Intents = len(l.Intents)
	summary.Refusals = len(l.Refusals)
	summary.Dispatches = len(l.Dispatches)
	for _, c := range l.Completions {
		summary.DeadlineMisses += c.DeadlineMissed
	}
	return summary
}
