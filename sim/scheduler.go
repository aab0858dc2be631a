package sim

import (
	"fmt"
	"sort"
	"strings"
)

// Policy selects which queued jobs run on which idle workers.
// The set of policies is closed; switching is a pure configuration change
// and never migrates work that is already dispatched.
type Policy int

const (
	// PolicyFCFS zips queue order to worker order.
	PolicyFCFS Policy = iota
	// PolicySJF runs the cheapest pipelines (sum of op costs) first.
	// Warning: SJF can starve expensive jobs under sustained load.
	PolicySJF
	// PolicyEDF runs the earliest deadlines first.
	PolicyEDF
)

var policyNames = map[Policy]string{PolicyFCFS: "fcfs", PolicySJF: "sjf", PolicyEDF: "edf"}

// ValidPolicies is the set of recognized policy names. Empty string means fcfs.
var ValidPolicies = map[string]bool{"": true, "fcfs": true, "sjf": true, "edf": true}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy converts a policy name into a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "", "fcfs":
		return PolicyFCFS, nil
	case "sjf":
		return PolicySJF, nil
	case "edf":
		return PolicyEDF, nil
	default:
		return 0, fmt.Errorf("unknown scheduler policy %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	if _, ok := policyNames[p]; !ok {
		return nil, fmt.Errorf("invalid policy %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Assignment pairs a picked job with the worker that will run it.
type Assignment struct {
	Job    EnqueuedJob
	Worker *Worker
	YardID string
}

// Order returns a copy of queue in policy order. The input is never mutated.
// Sorts are stable, so ties keep their original queue order.
func (p Policy) Order(queue []EnqueuedJob) []EnqueuedJob {
	ordered := make([]EnqueuedJob, len(queue))
	copy(ordered, queue)
	switch p {
	case PolicySJF:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Job.TotalCostMs() < ordered[j].Job.TotalCostMs()
		})
	case PolicyEDF:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Job.DeadlineMs < ordered[j].Job.DeadlineMs
		})
	}
	return ordered
}

// Pick assigns queued jobs to idle workers of yard.
// The result never exceeds min(len(queue), len(idle), yard free slots), and
// no job or worker appears twice. The caller removes picked jobs from the queue.
func (p Policy) Pick(yard *Workyard, queue []EnqueuedJob, idle []*Worker) []Assignment {
	if len(queue) == 0 || len(idle) == 0 {
		return nil
	}
	limit := min(len(queue), len(idle))
	if yard != nil {
		limit = min(limit, yard.FreeSlots())
	}
	if limit <= 0 {
		return nil
	}

	ordered := p.Order(queue)
	picks := make([]Assignment, 0, limit)
	seenJobs := make(map[string]bool, limit)
	seenWorkers := make(map[string]bool, limit)
	wi := 0
	for _, ej := range ordered {
		if len(picks) == limit {
			break
		}
		if ej.Job == nil || seenJobs[ej.Job.ID] {
			continue
		}
		for wi < len(idle) && (idle[wi] == nil || seenWorkers[idle[wi].ID]) {
			wi++
		}
		if wi >= len(idle) {
			break
		}
		w := idle[wi]
		wi++
		seenJobs[ej.Job.ID] = true
		seenWorkers[w.ID] = true
		a := Assignment{Job: ej, Worker: w}
		if yard != nil {
			a.YardID = yard.ID
		}
		picks = append(picks, a)
	}
	return picks
}
