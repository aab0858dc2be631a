package workload

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/colony-sim/colony-sim/sim"
)

type clientStream struct {
	spec      *ClientSpec
	pipeline  sim.Pipeline
	sampler   ArrivalSampler
	costScale ValueSampler // nil = unscaled
	rng       *rand.Rand
	nextMs    float64 // absolute time of the next arrival
}

// Generator turns a WorkloadSpec into per-tick job arrivals. It implements
// sim.ArrivalSource.
//
// Arrivals are a pure function of the spec and the tick: asking for a tick
// beyond the last one generated replays the skipped ticks first, so a fresh
// Generator attached to a restored colony emits exactly what an uninterrupted
// one would. Ticks at or before the last one generated yield nothing.
type Generator struct {
	tickMs  float64
	horizon int64
	limit   int64
	emitted int64
	cursor  int64 // last tick generated
	streams []*clientStream
}

type arrival struct {
	atMs float64
	req  sim.JobRequest
}

// NewGenerator validates spec and builds a generator for ticks of tickMs milliseconds.
func NewGenerator(spec *WorkloadSpec, tickMs float64) (*Generator, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workload spec: %w", err)
	}
	if tickMs <= 0 {
		return nil, fmt.Errorf("tick length must be positive, got %f", tickMs)
	}

	rng := sim.NewPartitionedRNG(sim.NewSimulationKey(spec.Seed))
	workloadRNG := rng.ForSubsystem(sim.SubsystemWorkload)
	rates := normalizeRateFractions(spec.Clients, spec.AggregateRate/1000)

	g := &Generator{tickMs: tickMs, horizon: spec.HorizonTicks, limit: spec.NumJobs}
	for i := range spec.Clients {
		client := &spec.Clients[i]
		pipeline, err := client.Pipeline.ToPipeline()
		if err != nil {
			return nil, fmt.Errorf("client %q: %w", client.ID, err)
		}
		s := &clientStream{
			spec:     client,
			pipeline: pipeline,
			sampler:  NewArrivalSampler(client.Arrival, rates[i]),
			rng:      rand.New(rand.NewSource(workloadRNG.Int63())),
		}
		if client.CostScale != nil {
			if s.costScale, err = NewValueSampler(*client.CostScale); err != nil {
				return nil, fmt.Errorf("client %q cost_scale: %w", client.ID, err)
			}
		}
		s.nextMs = s.sampler.SampleIAT(s.rng)
		g.streams = append(g.streams, s)
	}
	logrus.Debugf("workload: %d clients at %.2f jobs/s, tick %.1f ms", len(g.streams), spec.AggregateRate, tickMs)
	return g, nil
}

// Arrivals returns the jobs arriving during tick, ordered by arrival time.
func (g *Generator) Arrivals(tick int64) []sim.JobRequest {
	if tick <= g.cursor {
		return nil
	}
	for g.cursor < tick-1 {
		g.cursor++
		g.generate(g.cursor)
	}
	g.cursor = tick
	return g.generate(tick)
}

// Emitted is the number of jobs generated so far, including replayed ticks.
func (g *Generator) Emitted() int64 { return g.emitted }

// generate covers the interval ((tick-1)*tickMs, tick*tickMs].
func (g *Generator) generate(tick int64) []sim.JobRequest {
	if g.horizon > 0 && tick > g.horizon {
		return nil
	}
	endMs := float64(tick) * g.tickMs
	var batch []arrival
	for _, s := range g.streams {
		for s.nextMs <= endMs {
			at := s.nextMs
			s.nextMs += s.sampler.SampleIAT(s.rng)
			if s.spec.Lifecycle != nil && !isInActiveWindow(tick, s.spec.Lifecycle) {
				continue
			}
			batch = append(batch, arrival{atMs: at, req: s.request()})
		}
	}
	// Stable sort preserves client order for ties
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].atMs < batch[j].atMs })

	out := make([]sim.JobRequest, 0, len(batch))
	for _, a := range batch {
		if g.limit > 0 && g.emitted >= g.limit {
			break
		}
		out = append(out, a.req)
		g.emitted++
	}
	return out
}

func (s *clientStream) request() sim.JobRequest {
	p := s.pipeline
	p.Ops = append([]sim.Op(nil), s.pipeline.Ops...)
	if s.costScale != nil {
		scale := s.costScale.Sample(s.rng)
		for i := range p.Ops {
			p.Ops[i].CostMs *= scale
		}
	}
	return sim.JobRequest{
		Pipeline:     p,
		QoS:          sim.QoSClass(s.spec.QoS),
		DeadlineMs:   s.spec.DeadlineMs,
		PayloadBytes: int64(s.spec.Payload),
	}
}

// normalizeRateFractions splits aggregate (jobs per ms) across clients by rate_fraction.
func normalizeRateFractions(clients []ClientSpec, aggregate float64) []float64 {
	total := 0.0
	for _, c := range clients {
		total += c.RateFraction
	}
	rates := make([]float64, len(clients))
	if total <= 0 {
		return rates
	}
	for i, c := range clients {
		rates[i] = aggregate * c.RateFraction / total
	}
	return rates
}

func isInActiveWindow(tick int64, lifecycle *LifecycleSpec) bool {
	for _, w := range lifecycle.Windows {
		if tick >= w.StartTick && tick < w.EndTick {
			return true
		}
	}
	return false
}
