package sim

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// MinTickMs is the smallest accepted tick duration.
const MinTickMs = 0.1

// ByteSize is a byte count that accepts human-readable sizes ("24GiB", "512mb")
// or plain integers in YAML.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", node.Line)
	}
	if n, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := units.RAMInBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid byte size %q: %w", node.Line, node.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// GPUTunables are the GPU farm knobs used by the batch engine.
type GPUTunables struct {
	Count                 int      `yaml:"count" json:"count"`
	VRAMPerGPU            ByteSize `yaml:"vram_per_gpu" json:"vram_per_gpu"`
	BatchMax              int      `yaml:"batch_max" json:"batch_max"`
	BatchTimeoutMs        float64  `yaml:"batch_timeout_ms" json:"batch_timeout_ms"`
	KernelLaunchMs        float64  `yaml:"kernel_launch_ms" json:"kernel_launch_ms"`
	WarmupMs              float64  `yaml:"warmup_ms" json:"warmup_ms"`
	PCIeGBps              float64  `yaml:"pcie_gbps" json:"pcie_gbps"`
	PerItemCostMs         float64  `yaml:"per_item_cost_ms" json:"per_item_cost_ms"` // used when items carry no GPU op cost
	MixedPrecision        bool     `yaml:"mixed_precision" json:"mixed_precision"`
	MixedPrecisionSpeedup float64  `yaml:"mixed_precision_speedup" json:"mixed_precision_speedup"`
}

// SwanSelection chooses among several eligible black swans in one tick.
type SwanSelection string

const (
	// SelectFirst fires the first eligible definition in declaration order.
	SelectFirst SwanSelection = "first"
	// SelectWeighted draws among eligible definitions by Weight.
	SelectWeighted SwanSelection = "weighted"
)

// Tunables are the numeric knobs injected at session start. They may be hot-swapped
// between ticks; every injection goes through Clamp so derived ratios stay in range.
type Tunables struct {
	TickMs             float64 `yaml:"tick_ms" json:"tick_ms"`
	KPIIntervalTicks   int64   `yaml:"kpi_interval_ticks" json:"kpi_interval_ticks"`
	StarvationWindowMs float64 `yaml:"starvation_window_ms" json:"starvation_window_ms"`

	// Thermal
	ThermalKnee      float64 `yaml:"thermal_knee" json:"thermal_knee"`
	ThermalFloor     float64 `yaml:"thermal_floor" json:"thermal_floor"`
	AmbientHeat      float64 `yaml:"ambient_heat" json:"ambient_heat"`
	HeatDecayPerTick float64 `yaml:"heat_decay_per_tick" json:"heat_decay_per_tick"`
	HeatPerWorkUnit  float64 `yaml:"heat_per_work_unit" json:"heat_per_work_unit"`

	// Power and bandwidth
	PowerCap         float64  `yaml:"power_cap" json:"power_cap"`
	BandwidthPerSec  ByteSize `yaml:"bandwidth_per_sec" json:"bandwidth_per_sec"`
	BandwidthTailExp float64  `yaml:"bandwidth_tail_exp" json:"bandwidth_tail_exp"`

	// Faults and corruption
	BaseFaultRate            float64      `yaml:"base_fault_rate" json:"base_fault_rate"`
	FaultWeights             FaultWeights `yaml:"fault_weights" json:"fault_weights"`
	WorkerCorruptionPerFault float64      `yaml:"worker_corruption_per_fault" json:"worker_corruption_per_fault"`
	CorruptionCreepPerTick   float64      `yaml:"corruption_creep_per_tick" json:"corruption_creep_per_tick"`
	AutoRecoverTicks         int64        `yaml:"auto_recover_ticks" json:"auto_recover_ticks"`

	GPU GPUTunables `yaml:"gpu" json:"gpu"`

	SwanSelection SwanSelection `yaml:"swan_selection" json:"swan_selection"`
}

// DefaultTunables returns the knobs used when no configuration overrides them.
func DefaultTunables() Tunables {
	return Tunables{
		TickMs:             10,
		KPIIntervalTicks:   1,
		StarvationWindowMs: 2000,

		ThermalKnee:      0.8,
		ThermalFloor:     0.25,
		AmbientHeat:      20,
		HeatDecayPerTick: 1.5,
		HeatPerWorkUnit:  0.4,

		PowerCap:         2400,
		BandwidthPerSec:  ByteSize(10 * units.GiB),
		BandwidthTailExp: 2,

		BaseFaultRate: 0.005,
		FaultWeights: FaultWeights{
			Corruption:       0.10,
			WorkerCorruption: 0.08,
			Heat:             0.06,
			Bandwidth:        0.05,
			Starvation:       0.04,
		},
		WorkerCorruptionPerFault: 0.02,
		CorruptionCreepPerTick:   0.00002,

		GPU: GPUTunables{
			Count:                 4,
			VRAMPerGPU:            ByteSize(24 * units.GiB),
			BatchMax:              8,
			BatchTimeoutMs:        50,
			KernelLaunchMs:        0.5,
			WarmupMs:              25,
			PCIeGBps:              16,
			PerItemCostMs:         2,
			MixedPrecisionSpeedup: 1.6,
		},

		SwanSelection: SelectFirst,
	}
}

// Clamp returns a copy of t with every knob forced into its documented range.
// Clamp never fails: out-of-range configuration degrades to the nearest valid value.
func (t Tunables) Clamp() Tunables {
	c := t
	c.TickMs = finiteAtLeast(c.TickMs, MinTickMs)
	c.KPIIntervalTicks = max(c.KPIIntervalTicks, 1)
	c.StarvationWindowMs = finiteAtLeast(c.StarvationWindowMs, c.TickMs)

	c.ThermalKnee = clamp(c.ThermalKnee, 0, 1)
	c.ThermalFloor = clamp(c.ThermalFloor, minThrottleFloor, 1)
	c.AmbientHeat = finiteAtLeast(c.AmbientHeat, 0)
	c.HeatDecayPerTick = finiteAtLeast(c.HeatDecayPerTick, 0)
	c.HeatPerWorkUnit = finiteAtLeast(c.HeatPerWorkUnit, 0)

	c.PowerCap = finiteAtLeast(c.PowerCap, 0)
	c.BandwidthPerSec = ByteSize(max(int64(c.BandwidthPerSec), 0))
	c.BandwidthTailExp = finiteAtLeast(c.BandwidthTailExp, 1)

	c.BaseFaultRate = clamp(c.BaseFaultRate, 0, MaxFaultProbability)
	c.FaultWeights = FaultWeights{
		Corruption:       finiteAtLeast(c.FaultWeights.Corruption, 0),
		WorkerCorruption: finiteAtLeast(c.FaultWeights.WorkerCorruption, 0),
		Heat:             finiteAtLeast(c.FaultWeights.Heat, 0),
		Bandwidth:        finiteAtLeast(c.FaultWeights.Bandwidth, 0),
		Starvation:       finiteAtLeast(c.FaultWeights.Starvation, 0),
	}
	c.WorkerCorruptionPerFault = clamp(c.WorkerCorruptionPerFault, 0, 1)
	c.CorruptionCreepPerTick = clamp(c.CorruptionCreepPerTick, 0, 1)
	c.AutoRecoverTicks = max(c.AutoRecoverTicks, 0)

	c.GPU.Count = max(c.GPU.Count, 0)
	c.GPU.VRAMPerGPU = ByteSize(max(int64(c.GPU.VRAMPerGPU), 0))
	c.GPU.BatchMax = max(c.GPU.BatchMax, 1)
	c.GPU.BatchTimeoutMs = finiteAtLeast(c.GPU.BatchTimeoutMs, 0)
	c.GPU.KernelLaunchMs = finiteAtLeast(c.GPU.KernelLaunchMs, 0)
	c.GPU.WarmupMs = finiteAtLeast(c.GPU.WarmupMs, 0)
	c.GPU.PCIeGBps = finiteAtLeast(c.GPU.PCIeGBps, 0)
	c.GPU.PerItemCostMs = finiteAtLeast(c.GPU.PerItemCostMs, 0)
	c.GPU.MixedPrecisionSpeedup = finiteAtLeast(c.GPU.MixedPrecisionSpeedup, 1)

	if c.SwanSelection != SelectWeighted {
		c.SwanSelection = SelectFirst
	}
	return c
}

// BandwidthPerTick is the colony bandwidth in bytes per tick.
func (t Tunables) BandwidthPerTick() float64 {
	return float64(t.BandwidthPerSec) * t.TickMs / 1000
}

// TicksFor converts a duration in milliseconds to whole ticks, rounding up.
func (t Tunables) TicksFor(ms float64) int64 {
	return ticksFor(ms, t.TickMs)
}

// StarvationWindowTicks is the reference window starvation is normalized by.
func (t Tunables) StarvationWindowTicks() int64 {
	return max(t.TicksFor(t.StarvationWindowMs), 1)
}

func finiteAtLeast(v, lo float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return lo
	}
	return math.Max(v, lo)
}

// === Research ===

// ResearchKey names a knob a research unlock can scale.
type ResearchKey string

const (
	ResearchPowerCap  ResearchKey = "power_cap"
	ResearchHeatDecay ResearchKey = "heat_decay"
	ResearchFaultRate ResearchKey = "fault_rate"
	ResearchVRAM      ResearchKey = "vram"
)

// ValidResearchKeys is the set of knobs research can modify.
var ValidResearchKeys = map[ResearchKey]bool{
	ResearchPowerCap: true, ResearchHeatDecay: true, ResearchFaultRate: true, ResearchVRAM: true,
}

// Research holds permanent multipliers unlocked during a session, keyed by unlock name.
type Research map[string]ResearchModifier

// ResearchModifier scales one knob.
type ResearchModifier struct {
	Key  ResearchKey `json:"key"`
	Mult float64     `json:"mult"`
}

// Multiplier is the product of all unlocked modifiers for key, starting at 1.0.
// Unlocks are folded in name order so the product is reproducible.
func (r Research) Multiplier(key ResearchKey) float64 {
	m := 1.0
	for _, name := range r.Names() {
		if mod := r[name]; mod.Key == key {
			m *= mod.Mult
		}
	}
	return m
}

// Names returns the unlock names in lexical order.
func (r Research) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
