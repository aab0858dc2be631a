package workload

import (
	"github.com/docker/go-units"

	"github.com/colony-sim/colony-sim/sim"
)

// DefaultWorkloadSpec is the mixed workload used when no spec file is given:
// a CPU crunch stream, a batched GPU embedding stream and a bursty ingest
// stream that leans on colony bandwidth.
func DefaultWorkloadSpec(seed int64) *WorkloadSpec {
	burst := 2.5
	return &WorkloadSpec{
		Version:       "1",
		Seed:          seed,
		AggregateRate: 400,
		Clients: []ClientSpec{
			{
				ID:           "crunch",
				QoS:          string(sim.QoSThroughput),
				RateFraction: 0.5,
				Arrival:      ArrivalSpec{Process: "poisson"},
				Pipeline: sim.PipelineSpec{ID: "crunch", Ops: []sim.OpSpec{
					{Name: "parse", Class: "cpu", CostMs: 8, WorkUnits: 1},
					{Name: "reduce", Class: "cpu", CostMs: 14, WorkUnits: 2},
				}},
				CostScale: &DistSpec{Type: "gaussian", Params: map[string]float64{"mean": 1, "std_dev": 0.25, "min": 0.5, "max": 2}},
			},
			{
				ID:           "embed",
				QoS:          string(sim.QoSLatency),
				RateFraction: 0.3,
				Arrival:      ArrivalSpec{Process: "poisson"},
				Pipeline: sim.PipelineSpec{ID: "embed", Ops: []sim.OpSpec{
					{Name: "tokenize", Class: "cpu", CostMs: 2, WorkUnits: 0.5},
					{Name: "encode", Class: "gpu", CostMs: 6, WorkUnits: 3, VRAM: sim.ByteSize(2 * units.GiB)},
				}},
				DeadlineMs: 400,
				Payload:    sim.ByteSize(256 * units.KiB),
			},
			{
				ID:           "ingest",
				RateFraction: 0.2,
				Arrival:      ArrivalSpec{Process: "gamma", CV: &burst},
				Pipeline: sim.PipelineSpec{ID: "ingest", Ops: []sim.OpSpec{
					{Name: "fetch", Class: "io", CostMs: 5, WorkUnits: 0.5},
					{Name: "store", Class: "io", CostMs: 3, WorkUnits: 0.5},
				}},
				DeadlineMs: 1500,
				Payload:    sim.ByteSize(16 * units.MiB),
			},
		},
	}
}
