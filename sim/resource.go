package sim

import "math"

// BandwidthKnee is the utilization above which bandwidth latency starts to climb.
const BandwidthKnee = 0.7

// ThermalThrottle returns the execution-speed factor for a yard at the given heat.
//
// Below cap·knee the yard runs at full speed (1.0). Between the knee and the cap
// the factor rolls off along a hyperbola 1/(1 + t·(1/floor − 1)), where t is the
// normalized position between knee and cap, so throttling deepens gradually and
// lands exactly on floor at heat == cap. At or beyond cap the factor stays at floor.
// The result is always within [floor, 1] and non-increasing in heat.
//
// This replaces the closed form clamp(cap/heat, floor, 1) on purpose: cap/heat is
// 1.0 at heat == cap, so it can never land on floor there.
func ThermalThrottle(heat, cap, knee, floor float64) float64 {
	floor = clamp(floor, minThrottleFloor, 1)
	if heat <= 0 {
		return 1
	}
	if cap <= 0 {
		return floor
	}
	onset := cap * clamp(knee, 0, 1)
	if heat < onset {
		return 1
	}
	if heat >= cap {
		return floor
	}
	t := (heat - onset) / (cap - onset)
	return clamp(1/(1+t*(1/floor-1)), floor, 1)
}

// minThrottleFloor keeps execution time finite when a config asks for a zero floor.
const minThrottleFloor = 0.01

// BandwidthLatencyMultiplier returns the latency penalty for a link at util.
// It is 1.0 up to 70% utilization and grows as 1 + ((util−0.7)/0.3)^tailExp above it.
// tailExp is clamped to at least 1 and util to [0,1].
func BandwidthLatencyMultiplier(util, tailExp float64) float64 {
	util = clamp(util, 0, 1)
	if util <= BandwidthKnee {
		return 1
	}
	tailExp = math.Max(tailExp, 1)
	return 1 + math.Pow((util-BandwidthKnee)/(1-BandwidthKnee), tailExp)
}

// UpdateHeat applies one tick of heating and decay, never dropping below ambient.
func UpdateHeat(heat, workloadHeat, debtHeat, decay, ambient float64) float64 {
	next := heat + workloadHeat + debtHeat - decay
	return math.Max(next, math.Max(ambient, 0))
}

// PowerDispatchScale returns the throughput scale imposed by the power cap.
// Debts multiply draw before it is compared against the cap. A non-positive
// cap means the colony is uncapped.
func PowerDispatchScale(draw, powerMult, powerCap float64) float64 {
	effective := draw * powerMult
	if powerCap <= 0 || effective <= powerCap {
		return 1
	}
	return powerCap / effective
}

// YardLoad is the workload a yard carried during the previous tick.
type YardLoad struct {
	HeatRate       float64 // heat added per tick by running work
	BandwidthBytes float64 // bytes per tick moved by running work
	ActiveSlots    int
}

// ResourceMeters are the colony-wide meters produced by a resource update.
type ResourceMeters struct {
	PowerDraw         float64 `json:"power_draw"` // raw draw, before debts
	PowerCap          float64 `json:"power_cap"`
	PowerMultiplier   float64 `json:"power_multiplier"`
	PowerScale        float64 `json:"power_scale"`
	BandwidthCapacity float64 `json:"bandwidth_capacity"` // bytes per tick after tax
	BandwidthUtil     float64 `json:"bandwidth_util"`
	MeanHeatFraction  float64 `json:"mean_heat_fraction"`
}

// UpdateResources advances every yard's heat and meters by one tick and
// returns the colony-wide meters. loads is keyed by yard ID; yards missing from
// it are treated as idle.
func UpdateResources(yards []*Workyard, loads map[string]YardLoad, t Tunables, ledger *DebtLedger, research Research) ResourceMeters {
	meters := ResourceMeters{
		PowerCap:        t.PowerCap * research.Multiplier(ResearchPowerCap),
		PowerMultiplier: ledger.PowerMultiplier(),
		PowerScale:      1,
	}
	tax := clamp(ledger.BandwidthTax(), 0, maxBandwidthTax)
	totalCapacity := t.BandwidthPerTick() * (1 - tax)
	meters.BandwidthCapacity = totalCapacity

	heatAdd := ledger.HeatAddition()
	decay := t.HeatDecayPerTick * research.Multiplier(ResearchHeatDecay)

	var demand, heatFracSum float64
	for _, y := range yards {
		load := loads[y.ID]
		y.Heat = UpdateHeat(y.Heat, load.HeatRate, heatAdd, decay, t.AmbientHeat)
		y.ActiveSlots = load.ActiveSlots
		y.PowerDraw = y.BasePower + float64(load.ActiveSlots)*y.PowerPerSlot
		y.Throttle = ThermalThrottle(y.Heat, y.HeatCapacity, t.ThermalKnee, t.ThermalFloor)
		yardCapacity := totalCapacity * y.BandwidthShare
		if yardCapacity > 0 {
			y.BandwidthUtil = load.BandwidthBytes / yardCapacity
		} else if load.BandwidthBytes > 0 {
			y.BandwidthUtil = 1
		} else {
			y.BandwidthUtil = 0
		}

		meters.PowerDraw += y.PowerDraw
		demand += load.BandwidthBytes
		heatFracSum += y.HeatFraction()
	}

	if len(yards) == 0 {
		return meters
	}
	meters.PowerScale = PowerDispatchScale(meters.PowerDraw, meters.PowerMultiplier, meters.PowerCap)
	if totalCapacity > 0 {
		meters.BandwidthUtil = demand / totalCapacity
	} else if demand > 0 {
		meters.BandwidthUtil = 1
	}
	meters.MeanHeatFraction = heatFracSum / float64(len(yards))
	return meters
}

// maxBandwidthTax keeps some capacity alive no matter how many taxes stack up.
const maxBandwidthTax = 0.95

// ExecutionTicks converts a cost in milliseconds into whole ticks of wall time
// after applying worker speed, thermal throttle, power scale and bandwidth penalty.
// Always at least one tick.
func ExecutionTicks(costMs, speed, throttle, powerScale, bandwidthMult, tickMs float64) int64 {
	eff := speed * throttle * powerScale
	if eff <= 0 {
		eff = minThrottleFloor
	}
	ms := costMs / eff * math.Max(bandwidthMult, 1)
	return max(ticksFor(ms, tickMs), 1)
}

// ticksFor converts milliseconds to whole ticks, rounding up.
func ticksFor(ms, tickMs float64) int64 {
	if ms <= 0 {
		return 0
	}
	if tickMs <= 0 {
		tickMs = MinTickMs
	}
	return int64(math.Ceil(ms/tickMs - 1e-9))
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
