package sim

import (
	"bytes"
	"fmt"
	"os"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/colony-sim/colony-sim/sim/trace"
)

// OpSpec is the configuration form of an Op.
type OpSpec struct {
	Name      string   `yaml:"name" json:"name"`
	Class     string   `yaml:"class" json:"class"`
	CostMs    float64  `yaml:"cost_ms" json:"cost_ms"`
	WorkUnits float64  `yaml:"work_units" json:"work_units"`
	VRAM      ByteSize `yaml:"vram,omitempty" json:"vram,omitempty"`
}

// ToOp validates the spec and converts it.
func (s OpSpec) ToOp() (Op, error) {
	class, err := ParseWorkClass(s.Class)
	if err != nil {
		return Op{}, fmt.Errorf("op %q: %w", s.Name, err)
	}
	if s.CostMs < 0 || s.WorkUnits < 0 || s.VRAM < 0 {
		return Op{}, fmt.Errorf("op %q: negative cost, work units or vram", s.Name)
	}
	return Op{Name: s.Name, Class: class, CostMs: s.CostMs, WorkUnits: s.WorkUnits, VRAMBytes: int64(s.VRAM)}, nil
}

// PipelineSpec is the configuration form of a Pipeline.
type PipelineSpec struct {
	ID       string   `yaml:"id" json:"id"`
	Ops      []OpSpec `yaml:"ops" json:"ops"`
	Mutation string   `yaml:"mutation,omitempty" json:"mutation,omitempty"`
}

// ToPipeline validates the spec and converts it.
func (s PipelineSpec) ToPipeline() (Pipeline, error) {
	if s.ID == "" {
		return Pipeline{}, fmt.Errorf("pipeline without id")
	}
	if len(s.Ops) == 0 {
		return Pipeline{}, fmt.Errorf("pipeline %q has no ops", s.ID)
	}
	p := Pipeline{ID: s.ID, Mutation: s.Mutation, Ops: make([]Op, 0, len(s.Ops))}
	for _, spec := range s.Ops {
		op, err := spec.ToOp()
		if err != nil {
			return Pipeline{}, fmt.Errorf("pipeline %q: %w", s.ID, err)
		}
		p.Ops = append(p.Ops, op)
	}
	return p, nil
}

// YardSpec is the configuration form of a Workyard.
type YardSpec struct {
	ID              string   `yaml:"id"`
	Kind            YardKind `yaml:"kind"`
	Slots           int      `yaml:"slots"`
	HeatCapacity    float64  `yaml:"heat_capacity"`
	BasePower       float64  `yaml:"base_power"`
	PowerPerSlot    float64  `yaml:"power_per_slot"`
	BandwidthShare  float64  `yaml:"bandwidth_share"`
	IsolationDomain string   `yaml:"isolation_domain"`
}

// WorkerSpec is the configuration form of one worker, or of Count identical
// workers named <id>-00, <id>-01, ...
type WorkerSpec struct {
	ID         string      `yaml:"id"`
	Name       string      `yaml:"name"`
	Count      int         `yaml:"count"`
	Yard       string      `yaml:"yard"`
	Affinity   string      `yaml:"affinity"`
	Skills     Skills      `yaml:"skills"`
	Discipline float64     `yaml:"discipline"`
	Focus      float64     `yaml:"focus"`
	Corruption float64     `yaml:"corruption"`
	Retry      RetryPolicy `yaml:"retry"`
}

// ColonyConfig is everything needed to start a colony.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type ColonyConfig struct {
	Seed       int64           `yaml:"seed"`
	Policy     string          `yaml:"policy"`
	TraceLevel string          `yaml:"trace_level"`
	Tunables   Tunables        `yaml:"tunables"`
	Yards      []YardSpec      `yaml:"yards"`
	Workers    []WorkerSpec    `yaml:"workers"`
	BlackSwans []BlackSwanSpec `yaml:"black_swans"`
}

// LoadColonyConfig reads a YAML colony configuration. Sections missing from
// the file keep the values of DefaultColonyConfig. Unknown keys are rejected.
func LoadColonyConfig(path string) (*ColonyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading colony config: %w", err)
	}
	return ParseColonyConfig(data)
}

// ParseColonyConfig parses YAML colony configuration over the defaults.
func ParseColonyConfig(data []byte) (*ColonyConfig, error) {
	cfg := DefaultColonyConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing colony config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural correctness. Numeric tunables are not checked
// here; they are clamped when the colony is built.
func (c *ColonyConfig) Validate() error {
	if _, err := ParsePolicy(c.Policy); err != nil {
		return err
	}
	if !trace.IsValidTraceLevel(c.TraceLevel) {
		return fmt.Errorf("colony config: unknown trace level %q", c.TraceLevel)
	}
	if len(c.Yards) == 0 {
		return fmt.Errorf("colony config: no yards")
	}
	yards := make(map[string]YardKind, len(c.Yards))
	gpuFarms := 0
	for _, y := range c.Yards {
		if _, dup := yards[y.ID]; dup {
			return fmt.Errorf("colony config: duplicate yard %q", y.ID)
		}
		if err := y.workyard().validate(); err != nil {
			return fmt.Errorf("colony config: %w", err)
		}
		if y.Kind == YardGPUFarm {
			gpuFarms++
		}
		yards[y.ID] = y.Kind
	}
	if gpuFarms > 1 {
		return fmt.Errorf("colony config: at most one %s yard is supported, got %d", YardGPUFarm, gpuFarms)
	}
	workers := make(map[string]bool)
	for _, ws := range c.Workers {
		if _, ok := yards[ws.Yard]; !ok {
			return fmt.Errorf("colony config: worker %q references unknown yard %q", ws.ID, ws.Yard)
		}
		if ws.Affinity != "" {
			if _, err := ParseWorkClass(ws.Affinity); err != nil {
				return fmt.Errorf("colony config: worker %q: %w", ws.ID, err)
			}
		}
		if ws.Count < 0 || ws.Retry.MaxRetries < 0 || ws.Retry.BackoffTicks < 0 {
			return fmt.Errorf("colony config: worker %q: negative count or retry policy", ws.ID)
		}
		for _, id := range ws.ids() {
			if id == "" || workers[id] {
				return fmt.Errorf("colony config: empty or duplicate worker id %q", id)
			}
			workers[id] = true
		}
	}
	seen := make(map[string]bool)
	for _, s := range c.BlackSwans {
		if seen[s.ID] {
			return fmt.Errorf("colony config: duplicate black swan %q", s.ID)
		}
		seen[s.ID] = true
		if _, err := s.Compile(); err != nil {
			return fmt.Errorf("colony config: %w", err)
		}
	}
	return nil
}

func (y YardSpec) workyard() *Workyard {
	w := &Workyard{
		ID:              y.ID,
		Kind:            y.Kind,
		Slots:           y.Slots,
		HeatCapacity:    y.HeatCapacity,
		BasePower:       y.BasePower,
		PowerPerSlot:    y.PowerPerSlot,
		BandwidthShare:  y.BandwidthShare,
		IsolationDomain: y.IsolationDomain,
		Throttle:        1,
	}
	if y.Kind == YardGPUFarm {
		w.GPU = &GPUMeters{}
	}
	return w
}

func (s WorkerSpec) ids() []string {
	if s.Count <= 1 {
		return []string{s.ID}
	}
	ids := make([]string, s.Count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%02d", s.ID, i)
	}
	return ids
}

func (s WorkerSpec) workers(defaultAffinity WorkClass) []*Worker {
	affinity := defaultAffinity
	if s.Affinity != "" {
		affinity, _ = ParseWorkClass(s.Affinity)
	}
	var out []*Worker
	for _, id := range s.ids() {
		name := s.Name
		if name == "" {
			name = id
		}
		out = append(out, &Worker{
			ID:          id,
			Name:        name,
			YardID:      s.Yard,
			Affinity:    affinity,
			Skills:      s.Skills,
			Discipline:  clamp(s.Discipline, 0, 1),
			Focus:       clamp(s.Focus, 0, 1),
			Corruption:  clamp(s.Corruption, 0, 1),
			State:       WorkerIdle,
			Retry:       s.Retry,
			RetriesLeft: s.Retry.MaxRetries,
		})
	}
	return out
}

// DefaultColonyConfig returns a small colony with one yard of each kind.
func DefaultColonyConfig() *ColonyConfig {
	nominal := Skills{CPU: 1, GPU: 1, IO: 1}
	retry := RetryPolicy{MaxRetries: 2, BackoffTicks: 3}
	return &ColonyConfig{
		Seed:     42,
		Policy:   PolicyFCFS.String(),
		Tunables: DefaultTunables(),
		Yards: []YardSpec{
			{ID: "cpu-0", Kind: YardCPUArray, Slots: 8, HeatCapacity: 400, BasePower: 150, PowerPerSlot: 60, BandwidthShare: 0.4, IsolationDomain: "core"},
			{ID: "gpu-0", Kind: YardGPUFarm, Slots: 4, HeatCapacity: 600, BasePower: 300, PowerPerSlot: 250, BandwidthShare: 0.4, IsolationDomain: "accel"},
			{ID: "sig-0", Kind: YardSignalHub, Slots: 4, HeatCapacity: 250, BasePower: 60, PowerPerSlot: 20, BandwidthShare: 0.2, IsolationDomain: "edge"},
		},
		Workers: []WorkerSpec{
			{ID: "cpu", Count: 8, Yard: "cpu-0", Affinity: "cpu", Skills: nominal, Discipline: 0.6, Focus: 0.7, Retry: retry},
			{ID: "gpu", Count: 4, Yard: "gpu-0", Affinity: "gpu", Skills: nominal, Discipline: 0.7, Focus: 0.8, Retry: retry},
			{ID: "sig", Count: 4, Yard: "sig-0", Affinity: "io", Skills: nominal, Discipline: 0.5, Focus: 0.6, Retry: retry},
		},
		BlackSwans: []BlackSwanSpec{
			{
				ID:         "thermal-runaway",
				Triggers:   []TriggerCond{{Metric: MetricHeatFraction, Op: OpGE, Threshold: 0.85, WindowMs: 500}},
				Effects:    []EffectSpec{{Type: EffectHeatAdd, Value: 4, DurationMs: 3000}, {Type: EffectPowerMult, Value: 1.2, DurationMs: 3000}},
				Cure:       "coolant-flush",
				CooldownMs: 20000,
			},
			{
				ID:         "fault-storm",
				Triggers:   []TriggerCond{{Metric: MetricFaultEvent, MinCount: 12, WindowMs: 1000}},
				Effects:    []EffectSpec{{Type: EffectFaultBias, Fault: FaultStickyConfig, Value: 2, DurationMs: 5000}, {Type: EffectRitual, Target: "reseat-configs", DurationMs: 10000}},
				Cure:       "config-audit",
				CooldownMs: 30000,
			},
			{
				ID:       "memory-rot",
				Triggers: []TriggerCond{{Metric: MetricCorruption, Op: OpGT, Threshold: 0.3, WindowMs: 1000}},
				Effects: []EffectSpec{
					{Type: EffectVramLeak, Value: 0.25, DurationMs: 8000},
					{Type: EffectIllusion, Key: MetricCorruption, Value: 0.05, DurationMs: 8000},
					{Type: EffectQuarantine, Target: "gpu-0"},
				},
				CooldownMs: 60000,
			},
		},
	}
}

// String renders the configuration as YAML, with byte sizes in human units.
func (c *ColonyConfig) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("ColonyConfig(unprintable: %v)", err)
	}
	return string(out)
}

// VRAMCapacity is the VRAM a batch may use given the active leak and research.
func VRAMCapacity(t Tunables, ledger *DebtLedger, research Research) int64 {
	leak := clamp(ledger.VramLeak(), 0, 1)
	total := float64(t.GPU.VRAMPerGPU) * float64(t.GPU.Count) * (1 - leak) * research.Multiplier(ResearchVRAM)
	return int64(total)
}

// HumanBytes formats a byte count the way configuration accepts it.
func HumanBytes(n int64) string {
	return units.BytesSize(float64(n))
}
