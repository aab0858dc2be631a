package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/colony-sim/colony-sim/sim"
)

// Recorder is a sim.Observer that mirrors the end-of-tick meters into
// OpenTelemetry instruments. Cumulative colony counters are exported as
// counter increments; meters are exported as gauges.
type Recorder struct {
	ctx  context.Context
	last sim.Counters

	powerDraw  metric.Float64Gauge
	powerScale metric.Float64Gauge
	corruption metric.Float64Gauge
	heat       metric.Float64Gauge
	bandwidth  metric.Float64Gauge
	queueDepth metric.Int64Gauge
	vramInUse  metric.Int64Gauge
	debts      metric.Int64Gauge

	completed  metric.Int64Counter
	faults     metric.Int64Counter
	misses     metric.Int64Counter
	refusals   metric.Int64Counter
	batches    metric.Int64Counter
	swanFires  metric.Int64Counter
	lastSwanAt map[string]int64
}

// NewRecorder creates the colony instruments on meter.
func NewRecorder(ctx context.Context, meter metric.Meter) (*Recorder, error) {
	r := &Recorder{ctx: ctx, lastSwanAt: make(map[string]int64)}
	var errs []error
	gauge := func(name, unit, desc string) metric.Float64Gauge {
		g, err := meter.Float64Gauge(name, metric.WithUnit(unit), metric.WithDescription(desc))
		errs = append(errs, err)
		return g
	}
	igauge := func(name, unit, desc string) metric.Int64Gauge {
		g, err := meter.Int64Gauge(name, metric.WithUnit(unit), metric.WithDescription(desc))
		errs = append(errs, err)
		return g
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}

	r.powerDraw = gauge("colony.power.draw", "W", "Colony power draw after debts")
	r.powerScale = gauge("colony.power.scale", "1", "Dispatch scale from power pressure")
	r.corruption = gauge("colony.corruption", "1", "Global corruption")
	r.heat = gauge("colony.heat.fraction", "1", "Mean yard heat as a fraction of capacity")
	r.bandwidth = gauge("colony.bandwidth.util", "1", "Bandwidth utilization")
	r.queueDepth = igauge("colony.queue.depth", "{job}", "Queued jobs per work class")
	r.vramInUse = igauge("colony.gpu.vram_in_use", "By", "VRAM held by running batches")
	r.debts = igauge("colony.debts.active", "{debt}", "Active debts per kind")

	r.completed = counter("colony.jobs.completed", "Jobs completed")
	r.faults = counter("colony.faults", "Faults by kind")
	r.misses = counter("colony.jobs.deadline_misses", "Jobs completed after their deadline")
	r.refusals = counter("colony.gpu.vram_refusals", "GPU admissions refused for VRAM")
	r.batches = counter("colony.gpu.batches", "GPU batches flushed")
	r.swanFires = counter("colony.black_swan.fires", "Black swan fires")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// ObserveTick implements sim.Observer.
func (r *Recorder) ObserveTick(m sim.MetricsSnapshot) {
	ctx := r.ctx
	r.powerDraw.Record(ctx, m.PowerDraw)
	r.powerScale.Record(ctx, m.PowerScale)
	r.corruption.Record(ctx, m.Corruption)
	r.heat.Record(ctx, m.MeanHeatFraction)
	r.bandwidth.Record(ctx, m.BandwidthUtil)
	for class, n := range m.QueueDepth {
		r.queueDepth.Record(ctx, int64(n), metric.WithAttributes(attribute.String("class", class)))
	}
	if m.GPU != nil {
		r.vramInUse.Record(ctx, m.GPU.VRAMInUse)
	}
	for kind, n := range m.DebtsByKind {
		r.debts.Record(ctx, int64(n), metric.WithAttributes(attribute.String("kind", string(kind))))
	}

	c := m.Counters
	add(ctx, r.completed, c.Completed-r.last.Completed)
	add(ctx, r.misses, c.DeadlineMisses-r.last.DeadlineMisses)
	add(ctx, r.refusals, c.VRAMRefusals-r.last.VRAMRefusals)
	add(ctx, r.batches, c.BatchesFlushed-r.last.BatchesFlushed)
	for kind, n := range c.FaultsByKind {
		add(ctx, r.faults, n-r.last.FaultsByKind[kind], attribute.String("kind", string(kind)))
	}
	for _, f := range m.RecentSwans {
		if r.lastSwanAt[f.ID] >= f.Tick {
			continue
		}
		r.lastSwanAt[f.ID] = f.Tick
		add(ctx, r.swanFires, 1, attribute.String("swan", f.ID))
	}

	r.last = c
	r.last.FaultsByKind = make(map[sim.FaultKind]int64, len(c.FaultsByKind))
	for k, v := range c.FaultsByKind {
		r.last.FaultsByKind[k] = v
	}
}

func add(ctx context.Context, c metric.Int64Counter, delta int64, attrs ...attribute.KeyValue) {
	if delta <= 0 {
		return
	}
	c.Add(ctx, delta, metric.WithAttributes(attrs...))
}
