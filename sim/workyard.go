package sim

import (
	"fmt"
	"strings"
)

// YardKind is the kind of resource pool a workyard provides.
type YardKind string

const (
	YardCPUArray  YardKind = "cpu-array"
	YardGPUFarm   YardKind = "gpu-farm"
	YardSignalHub YardKind = "signal-hub"
)

// ValidYardKinds is the set of recognized workyard kinds.
var ValidYardKinds = map[YardKind]bool{YardCPUArray: true, YardGPUFarm: true, YardSignalHub: true}

// Class returns the work class this kind of yard executes.
func (k YardKind) Class() WorkClass {
	switch k {
	case YardGPUFarm:
		return ClassGPU
	case YardSignalHub:
		return ClassIO
	default:
		return ClassCPU
	}
}

// GPUMeters is the GPU-specific state owned by the GPU farm.
type GPUMeters struct {
	VRAMInUse      int64 `json:"vram_in_use"`
	BatchesFlushed int64 `json:"batches_flushed"`
	Warm           bool  `json:"warm"` // false until the first batch pays the warmup cost
}

// Workyard is a pool of execution capacity of one kind with shared
// heat, power and bandwidth state.
type Workyard struct {
	ID              string   `json:"id"`
	Kind            YardKind `json:"kind"`
	Slots           int      `json:"slots"`
	Heat            float64  `json:"heat"`
	HeatCapacity    float64  `json:"heat_capacity"`
	BasePower       float64  `json:"base_power"`
	PowerPerSlot    float64  `json:"power_per_slot"`
	BandwidthShare  float64  `json:"bandwidth_share"` // fraction of colony bandwidth
	IsolationDomain string   `json:"isolation_domain"`

	// Meters refreshed every tick by the resource update.
	PowerDraw     float64 `json:"power_draw"`
	Throttle      float64 `json:"throttle"`
	BandwidthUtil float64 `json:"bandwidth_util"`
	ActiveSlots   int     `json:"active_slots"`

	GPU *GPUMeters `json:"gpu,omitempty"`
}

// HeatFraction is heat over capacity, clamped to [0,1].
func (y *Workyard) HeatFraction() float64 {
	if y.HeatCapacity <= 0 {
		return 0
	}
	return clamp(y.Heat/y.HeatCapacity, 0, 1)
}

// FreeSlots is the number of additional pieces of work the yard can host this tick.
func (y *Workyard) FreeSlots() int {
	return max(y.Slots-y.ActiveSlots, 0)
}

func (y *Workyard) validate() error {
	var problems []string
	if y.ID == "" {
		problems = append(problems, "empty id")
	}
	if !ValidYardKinds[y.Kind] {
		problems = append(problems, fmt.Sprintf("unknown kind %q", y.Kind))
	}
	if y.Slots < 0 {
		problems = append(problems, "negative slots")
	}
	if y.HeatCapacity < 0 || y.Heat < 0 {
		problems = append(problems, "negative heat or heat capacity")
	}
	if y.BandwidthShare < 0 {
		problems = append(problems, "negative bandwidth share")
	}
	if len(problems) > 0 {
		return fmt.Errorf("workyard %q: %s", y.ID, strings.Join(problems, "; "))
	}
	return nil
}
