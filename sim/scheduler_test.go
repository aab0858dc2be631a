package sim

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicy(t *testing.T) {
	for name, want := range map[string]Policy{"": PolicyFCFS, "fcfs": PolicyFCFS, "SJF": PolicySJF, "edf": PolicyEDF} {
		got, err := ParsePolicy(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParsePolicy("lottery")
	assert.Error(t, err)
}

func TestPolicyOrder_DoesNotMutateInput(t *testing.T) {
	// GIVEN a queue in arrival order
	queue := enqueued(1,
		mustJob(t, "slow", cpuRequest(300, 10)),
		mustJob(t, "fast", cpuRequest(10, 20)),
	)

	// WHEN it is ordered under SJF
	ordered := PolicySJF.Order(queue)

	// THEN the copy is sorted and the input is untouched
	assert.Equal(t, []string{"fast", "slow"}, jobIDs(ordered))
	assert.Equal(t, []string{"slow", "fast"}, jobIDs(queue))
}

func TestPolicyOrder_StableTies(t *testing.T) {
	queue := enqueued(1,
		mustJob(t, "a", cpuRequest(50, 100)),
		mustJob(t, "b", cpuRequest(50, 100)),
		mustJob(t, "c", cpuRequest(50, 100)),
	)
	for _, p := range []Policy{PolicyFCFS, PolicySJF, PolicyEDF} {
		assert.Equal(t, []string{"a", "b", "c"}, jobIDs(p.Order(queue)), p.String())
	}
}

func TestPolicyPick_Invariants(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, p := range []Policy{PolicyFCFS, PolicySJF, PolicyEDF} {
		for trial := 0; trial < 200; trial++ {
			// GIVEN a random queue, worker set and yard capacity
			nJobs, nWorkers, slots := rng.Intn(12), rng.Intn(8), rng.Intn(10)
			jobs := make([]*Job, nJobs)
			for i := range jobs {
				jobs[i] = mustJob(t, fmt.Sprintf("j%d", i), cpuRequest(float64(1+rng.Intn(500)), int64(1+rng.Intn(1000))))
			}
			yard := &Workyard{ID: "y", Kind: YardCPUArray, Slots: slots}

			// WHEN the policy picks
			picks := p.Pick(yard, enqueued(0, jobs...), idleWorkers("y", nWorkers))

			// THEN the pick count is bounded and nothing is picked twice
			limit := min(nJobs, nWorkers, slots)
			if len(picks) > limit {
				t.Fatalf("%s trial %d: %d picks, limit %d", p, trial, len(picks), limit)
			}
			if nJobs > 0 && nWorkers > 0 && slots > 0 && len(picks) != limit {
				t.Fatalf("%s trial %d: %d picks, want %d", p, trial, len(picks), limit)
			}
			seenJob, seenWorker := map[string]bool{}, map[string]bool{}
			for _, a := range picks {
				if seenJob[a.Job.Job.ID] || seenWorker[a.Worker.ID] {
					t.Fatalf("%s trial %d: duplicate job or worker in %v", p, trial, a)
				}
				seenJob[a.Job.Job.ID], seenWorker[a.Worker.ID] = true, true
			}

			// AND SJF and EDF picks come out in their sort order
			for i := 1; i < len(picks); i++ {
				prev, cur := picks[i-1].Job.Job, picks[i].Job.Job
				if p == PolicySJF && prev.TotalCostMs() > cur.TotalCostMs() {
					t.Fatalf("SJF trial %d: picks not sorted by cost", trial)
				}
				if p == PolicyEDF && prev.DeadlineMs > cur.DeadlineMs {
					t.Fatalf("EDF trial %d: picks not sorted by deadline", trial)
				}
			}
		}
	}
}

func TestPolicyPick_EmptyInputs(t *testing.T) {
	yard := &Workyard{ID: "y", Kind: YardCPUArray, Slots: 4}
	assert.Empty(t, PolicyFCFS.Pick(yard, nil, idleWorkers("y", 2)))
	assert.Empty(t, PolicyFCFS.Pick(yard, enqueued(0, mustJob(t, "a", cpuRequest(1, 1))), nil))
}

// dispatchOrder runs three jobs with deadlines {50, 100, 200}ms and costs
// {cheap, costly, medium} through a single worker and returns the deadlines in
// the order the jobs were dispatched.
func dispatchOrder(t *testing.T, policy Policy) []int64 {
	t.Helper()
	cfg := quietConfig()
	cfg.Policy = policy.String()
	cfg.TraceLevel = "all"
	cfg.Yards = cfg.Yards[:1]
	cfg.Workers = []WorkerSpec{{ID: "solo", Yard: "cpu-0", Skills: Skills{CPU: 1, GPU: 1, IO: 1}, Focus: 1}}
	c := mustColony(t, cfg)

	src := tickArrivals{1: {cpuRequest(10, 50), cpuRequest(300, 100), cpuRequest(100, 200)}}
	require.NoError(t, c.Run(context.Background(), 200, src))

	deadlines := map[string]int64{
		NewJobID(c.Key(), 1): 50,
		NewJobID(c.Key(), 2): 100,
		NewJobID(c.Key(), 3): 200,
	}
	var order []int64
	for _, d := range c.Report().Dispatches {
		require.Len(t, d.JobIDs, 1)
		order = append(order, deadlines[d.JobIDs[0]])
	}
	return order
}

func TestColony_EDFDispatchesByDeadline(t *testing.T) {
	assert.Equal(t, []int64{50, 100, 200}, dispatchOrder(t, PolicyEDF))
}

func TestColony_SJFDispatchesByCost(t *testing.T) {
	// cheap (50ms deadline), then medium (200ms), then costly (100ms)
	assert.Equal(t, []int64{50, 200, 100}, dispatchOrder(t, PolicySJF))
}
