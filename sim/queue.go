// Implements the JobQueue, which holds all jobs waiting to be dispatched.
// Jobs are classified into a CPU, GPU or IO sub-queue when they are enqueued.

package sim

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateJob is returned when a job ID is already queued.
var ErrDuplicateJob = errors.New("job already queued")

// JobQueue holds three FIFO sub-queues, one per work class.
// A job appears in exactly one sub-queue.
type JobQueue struct {
	queues [NumWorkClasses][]EnqueuedJob
	index  map[string]WorkClass
}

// NewJobQueue creates an empty queue.
func NewJobQueue() *JobQueue {
	return &JobQueue{index: make(map[string]WorkClass)}
}

// Enqueue classifies job by its ops and appends it to the back of its sub-queue.
func (q *JobQueue) Enqueue(job *Job, tick int64) error {
	return q.push(EnqueuedJob{Job: job, EnqueuedAt: tick})
}

func (q *JobQueue) push(ej EnqueuedJob) error {
	if ej.Job == nil {
		return fmt.Errorf("enqueue: nil job")
	}
	if _, ok := q.index[ej.Job.ID]; ok {
		return fmt.Errorf("enqueue %s: %w", ej.Job.ID, ErrDuplicateJob)
	}
	class := ej.Job.Class()
	q.queues[class] = append(q.queues[class], ej)
	q.index[ej.Job.ID] = class
	return nil
}

// Requeue puts a job back at the front of its sub-queue, keeping its original
// enqueue tick so starvation keeps accruing.
func (q *JobQueue) Requeue(ej EnqueuedJob) error {
	if ej.Job == nil {
		return fmt.Errorf("requeue: nil job")
	}
	if _, ok := q.index[ej.Job.ID]; ok {
		return fmt.Errorf("requeue %s: %w", ej.Job.ID, ErrDuplicateJob)
	}
	class := ej.Job.Class()
	q.queues[class] = append([]EnqueuedJob{ej}, q.queues[class]...)
	q.index[ej.Job.ID] = class
	return nil
}

// Items returns the sub-queue for class in queue order.
// The returned slice is the queue's internal storage: callers may read it but
// MUST NOT modify it. Use Snapshot for a copy.
func (q *JobQueue) Items(class WorkClass) []EnqueuedJob {
	return q.queues[class]
}

// Snapshot returns a copy of the sub-queue for class.
func (q *JobQueue) Snapshot(class WorkClass) []EnqueuedJob {
	out := make([]EnqueuedJob, len(q.queues[class]))
	copy(out, q.queues[class])
	return out
}

// Remove deletes the jobs with the given IDs, preserving the order of the rest.
// Unknown IDs are ignored. Returns the number removed.
func (q *JobQueue) Remove(ids ...string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]bool, len(ids))
	touched := [NumWorkClasses]bool{}
	for _, id := range ids {
		if class, ok := q.index[id]; ok {
			drop[id] = true
			touched[class] = true
		}
	}
	for class := range q.queues {
		if !touched[class] {
			continue
		}
		kept := q.queues[class][:0]
		for _, ej := range q.queues[class] {
			if drop[ej.Job.ID] {
				delete(q.index, ej.Job.ID)
				continue
			}
			kept = append(kept, ej)
		}
		q.queues[class] = kept
	}
	return len(drop)
}

// Contains reports whether a job with id is queued.
func (q *JobQueue) Contains(id string) bool {
	_, ok := q.index[id]
	return ok
}

// Len returns the number of jobs in the sub-queue for class.
func (q *JobQueue) Len(class WorkClass) int {
	return len(q.queues[class])
}

// Total returns the number of queued jobs across all classes.
func (q *JobQueue) Total() int {
	return len(q.index)
}

// Starvation is how long ej has waited, normalized by windowTicks and clamped to [0,1].
func Starvation(ej EnqueuedJob, now, windowTicks int64) float64 {
	if windowTicks <= 0 {
		return 0
	}
	return clamp(float64(now-ej.EnqueuedAt)/float64(windowTicks), 0, 1)
}

// MaxStarvation is the worst normalized wait in the sub-queue for class.
func (q *JobQueue) MaxStarvation(class WorkClass, now, windowTicks int64) float64 {
	worst := 0.0
	for _, ej := range q.queues[class] {
		worst = max(worst, Starvation(ej, now, windowTicks))
	}
	return worst
}

func (q *JobQueue) String() string {
	var sb strings.Builder
	for class := range q.queues {
		if class > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%s:[", WorkClass(class))
		for i, ej := range q.queues[class] {
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(ej.Job.ID)
		}
		sb.WriteString("]")
	}
	return sb.String()
}
