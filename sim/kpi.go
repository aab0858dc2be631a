package sim

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// KPIHistoryLimit bounds the number of samples kept per metric.
const KPIHistoryLimit = 1000

// KPI metric names recorded by the colony.
const (
	MetricPowerDraw     = "power_draw"
	MetricPowerScale    = "power_scale"
	MetricBandwidthUtil = "bandwidth_util"
	MetricCorruption    = "corruption"
	MetricHeatFraction  = "heat_fraction"
	MetricQueueDepth    = "queue_depth"
	MetricStarvation    = "starvation"
	MetricFaults        = "faults"        // faults this tick
	MetricFaultEvent    = "fault_event"   // one sample per fault; count-based triggers read it
	MetricStickyFaults  = "sticky_faults" // cumulative
	MetricDebts         = "active_debts"
	MetricMissedJobs    = "missed_jobs" // cumulative
	MetricVRAMRefusals  = "vram_refusals"
)

// KPISample is one recorded value.
type KPISample struct {
	Value float64 `json:"value"`
	Tick  int64   `json:"tick"`
}

// KPIRingBuffer keeps a bounded per-metric history of samples in tick order.
type KPIRingBuffer struct {
	limit   int
	samples map[string][]KPISample
}

// NewKPIRingBuffer creates a buffer keeping at most limit samples per metric.
// A non-positive limit means KPIHistoryLimit.
func NewKPIRingBuffer(limit int) *KPIRingBuffer {
	if limit <= 0 {
		limit = KPIHistoryLimit
	}
	return &KPIRingBuffer{limit: limit, samples: make(map[string][]KPISample)}
}

// Record appends a sample, evicting the oldest when the metric is full.
func (b *KPIRingBuffer) Record(metric string, value float64, tick int64) {
	s := b.samples[metric]
	if len(s) >= b.limit {
		// shift instead of reslicing so the backing array does not grow without bound
		copy(s, s[len(s)-b.limit+1:])
		s = s[:b.limit-1]
	}
	b.samples[metric] = append(s, KPISample{Value: value, Tick: tick})
}

// Len returns the number of samples held for metric.
func (b *KPIRingBuffer) Len(metric string) int {
	return len(b.samples[metric])
}

// Window returns the samples of metric with now-windowTicks < tick <= now.
// The returned slice aliases the buffer and must not be modified.
func (b *KPIRingBuffer) Window(metric string, now, windowTicks int64) []KPISample {
	s := b.samples[metric]
	lo := now - windowTicks
	start := sort.Search(len(s), func(i int) bool { return s[i].Tick > lo })
	end := sort.Search(len(s), func(i int) bool { return s[i].Tick > now })
	if start >= end {
		return nil
	}
	return s[start:end]
}

// Metrics returns the recorded metric names in lexical order.
func (b *KPIRingBuffer) Metrics() []string {
	names := make([]string, 0, len(b.samples))
	for name := range b.samples {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Aggregation reduces a window of samples to one value.
type Aggregation string

const (
	AggMean Aggregation = "mean"
	AggMax  Aggregation = "max"
	AggMin  Aggregation = "min"
	AggLast Aggregation = "last"
	AggSum  Aggregation = "sum"
)

// ValidAggregations is the set of recognized aggregation names. Empty means mean.
var ValidAggregations = map[Aggregation]bool{"": true, AggMean: true, AggMax: true, AggMin: true, AggLast: true, AggSum: true}

// Aggregate reduces samples with agg. Returns false for an empty window.
func Aggregate(samples []KPISample, agg Aggregation) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	switch agg {
	case "", AggMean:
		return stat.Mean(values, nil), true
	case AggMax:
		return floats.Max(values), true
	case AggMin:
		return floats.Min(values), true
	case AggLast:
		return values[len(values)-1], true
	case AggSum:
		return floats.Sum(values), true
	default:
		panic(fmt.Sprintf("Aggregate: unknown aggregation %q", agg))
	}
}

// history exposes the raw samples for snapshots.
func (b *KPIRingBuffer) history() map[string][]KPISample {
	out := make(map[string][]KPISample, len(b.samples))
	for k, v := range b.samples {
		out[k] = append([]KPISample(nil), v...)
	}
	return out
}
