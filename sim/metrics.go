// Tracks colony-wide counters and builds the read-only metrics snapshot
// exposed to the control surface.

package sim

import (
	"fmt"
	"io"
	"sort"

	"github.com/docker/go-units"
)

// Counters are cumulative event counts for a session.
type Counters struct {
	Submitted      int64               `json:"submitted"`
	Dispatched     int64               `json:"dispatched"` // jobs handed to workers, batched jobs counted individually
	Completed      int64               `json:"completed"`
	DeadlineMisses int64               `json:"deadline_misses"`
	Faults         int64               `json:"faults"`
	FaultsByKind   map[FaultKind]int64 `json:"faults_by_kind"`
	Escalations    int64               `json:"escalations"`
	StickyFaults   int64               `json:"sticky_faults"`
	MissedJobs     int64               `json:"missed_jobs"`
	Requeued       int64               `json:"requeued"`
	Retries        int64               `json:"retries"`
	BatchFaults    int64               `json:"batch_faults"`
	BatchesFlushed int64               `json:"batches_flushed"`
	VRAMRefusals   int64               `json:"vram_refusals"`
}

func newCounters() Counters {
	return Counters{FaultsByKind: make(map[FaultKind]int64)}
}

func (c Counters) clone() Counters {
	out := c
	out.FaultsByKind = make(map[FaultKind]int64, len(c.FaultsByKind))
	for k, v := range c.FaultsByKind {
		out.FaultsByKind[k] = v
	}
	return out
}

// YardMeters is the per-yard view in a metrics snapshot.
type YardMeters struct {
	ID            string   `json:"id"`
	Kind          YardKind `json:"kind"`
	Heat          float64  `json:"heat"`
	HeatFraction  float64  `json:"heat_fraction"`
	Throttle      float64  `json:"throttle"`
	PowerDraw     float64  `json:"power_draw"`
	BandwidthUtil float64  `json:"bandwidth_util"`
	ActiveSlots   int      `json:"active_slots"`
	Slots         int      `json:"slots"`
}

// GPUStatus is the GPU farm view in a metrics snapshot.
type GPUStatus struct {
	VRAMInUse      int64 `json:"vram_in_use"`
	VRAMCapacity   int64 `json:"vram_capacity"`
	PendingBatches int   `json:"pending_batches"`
	PendingJobs    int   `json:"pending_jobs"`
	BatchesFlushed int64 `json:"batches_flushed"`
	Warm           bool  `json:"warm"`
}

// SwanFire is one entry of the recently-fired list.
type SwanFire struct {
	ID   string `json:"id"`
	Tick int64  `json:"tick"`
}

// recentSwanLimit bounds the recently-fired list.
const recentSwanLimit = 16

// MetricsSnapshot is a read-only copy of the colony meters at the end of a tick.
// It reports true values; Displayed applies illusions for presentation.
type MetricsSnapshot struct {
	Tick              int64               `json:"tick"`
	Policy            string              `json:"policy"`
	PowerDraw         float64             `json:"power_draw"` // after power debts
	PowerCap          float64             `json:"power_cap"`
	PowerScale        float64             `json:"power_scale"`
	BandwidthUtil     float64             `json:"bandwidth_util"`
	BandwidthCapacity float64             `json:"bandwidth_capacity"` // bytes per tick
	Corruption        float64             `json:"corruption"`
	MeanHeatFraction  float64             `json:"mean_heat_fraction"`
	Yards             []YardMeters        `json:"yards"`
	GPU               *GPUStatus          `json:"gpu,omitempty"`
	QueueDepth        map[string]int      `json:"queue_depth"`
	WorkerStates      map[WorkerState]int `json:"worker_states"`
	Counters          Counters            `json:"counters"`
	ActiveDebts       []DebtRecord        `json:"active_debts"`
	ActiveSwans       []string            `json:"active_swans"` // swans with debts still in force
	RecentSwans       []SwanFire          `json:"recent_swans"`
	Research          Research            `json:"research"`
	Illusions         map[string]float64  `json:"illusions,omitempty"`
	DebtsByKind       map[DebtKind]int    `json:"debts_by_kind"`
}

// Displayed returns a copy with every illusion applied. Illusion keys name
// KPI metrics; keys that match no displayed field are ignored.
func (m MetricsSnapshot) Displayed() MetricsSnapshot {
	out := m
	if len(m.Illusions) == 0 {
		return out
	}
	out.Yards = append([]YardMeters(nil), m.Yards...)
	for key, v := range m.Illusions {
		switch key {
		case MetricCorruption:
			out.Corruption = v
		case MetricPowerDraw:
			out.PowerDraw = v
		case MetricPowerScale:
			out.PowerScale = v
		case MetricBandwidthUtil:
			out.BandwidthUtil = v
		case MetricHeatFraction:
			out.MeanHeatFraction = v
			for i := range out.Yards {
				out.Yards[i].HeatFraction = v
			}
		}
	}
	return out
}

// TotalQueued is the number of jobs waiting in all sub-queues.
func (m MetricsSnapshot) TotalQueued() int {
	total := 0
	for _, n := range m.QueueDepth {
		total += n
	}
	return total
}

// Print writes the end-of-run report.
func (m MetricsSnapshot) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Colony Metrics ===")
	fmt.Fprintf(w, "Ticks                : %d\n", m.Tick)
	fmt.Fprintf(w, "Policy               : %s\n", m.Policy)
	fmt.Fprintf(w, "Submitted Jobs       : %d\n", m.Counters.Submitted)
	fmt.Fprintf(w, "Completed Jobs       : %d\n", m.Counters.Completed)
	fmt.Fprintf(w, "Deadline Misses      : %d\n", m.Counters.DeadlineMisses)
	fmt.Fprintf(w, "Missed Jobs          : %d\n", m.Counters.MissedJobs)
	fmt.Fprintf(w, "Still Queued         : %d\n", m.TotalQueued())
	fmt.Fprintf(w, "Faults               : %d (escalated %d, sticky %d, batch %d)\n",
		m.Counters.Faults, m.Counters.Escalations, m.Counters.StickyFaults, m.Counters.BatchFaults)
	kinds := make([]string, 0, len(m.Counters.FaultsByKind))
	for k := range m.Counters.FaultsByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-19s: %d\n", k, m.Counters.FaultsByKind[FaultKind(k)])
	}
	fmt.Fprintf(w, "Power Draw / Cap     : %.1f / %.1f (scale %.3f)\n", m.PowerDraw, m.PowerCap, m.PowerScale)
	fmt.Fprintf(w, "Bandwidth Util       : %.3f of %s/tick\n", m.BandwidthUtil, units.BytesSize(m.BandwidthCapacity))
	fmt.Fprintf(w, "Corruption           : %.4f\n", m.Corruption)
	for _, y := range m.Yards {
		fmt.Fprintf(w, "Yard %-16s: heat %.1f (%.0f%%), throttle %.3f, slots %d/%d\n",
			y.ID, y.Heat, y.HeatFraction*100, y.Throttle, y.ActiveSlots, y.Slots)
	}
	if m.GPU != nil {
		fmt.Fprintf(w, "GPU Batches Flushed  : %d\n", m.GPU.BatchesFlushed)
		fmt.Fprintf(w, "GPU VRAM In Use      : %s of %s\n", units.BytesSize(float64(m.GPU.VRAMInUse)), units.BytesSize(float64(m.GPU.VRAMCapacity)))
		fmt.Fprintf(w, "VRAM Refusals        : %d\n", m.Counters.VRAMRefusals)
	}
	for _, k := range sortedDebtKinds(m.DebtsByKind) {
		fmt.Fprintf(w, "Active Debt %-9s: %d\n", k, m.DebtsByKind[k])
	}
	for _, s := range m.RecentSwans {
		fmt.Fprintf(w, "Black Swan           : %s at tick %d\n", s.ID, s.Tick)
	}
}
