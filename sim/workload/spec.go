package workload

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/colony-sim/colony-sim/sim"
)

// WorkloadSpec is the top-level workload configuration.
// Loaded from YAML via LoadWorkloadSpec(path).
type WorkloadSpec struct {
	Version       string       `yaml:"version"`
	Seed          int64        `yaml:"seed"`
	AggregateRate float64      `yaml:"aggregate_rate"`          // jobs per second across all clients
	HorizonTicks  int64        `yaml:"horizon_ticks,omitempty"` // 0 = unlimited
	NumJobs       int64        `yaml:"num_jobs,omitempty"`      // 0 = unlimited
	Clients       []ClientSpec `yaml:"clients"`
}

// ClientSpec defines one stream of jobs sharing a pipeline template.
type ClientSpec struct {
	ID           string           `yaml:"id"`
	QoS          string           `yaml:"qos"`
	RateFraction float64          `yaml:"rate_fraction"`
	Arrival      ArrivalSpec      `yaml:"arrival"`
	Pipeline     sim.PipelineSpec `yaml:"pipeline"`
	DeadlineMs   int64            `yaml:"deadline_ms"`
	Payload      sim.ByteSize     `yaml:"payload"`
	CostScale    *DistSpec        `yaml:"cost_scale,omitempty"` // multiplier on every op cost; default 1
	Lifecycle    *LifecycleSpec   `yaml:"lifecycle,omitempty"`
}

// ArrivalSpec configures the inter-arrival time process.
type ArrivalSpec struct {
	Process string   `yaml:"process"`
	CV      *float64 `yaml:"cv,omitempty"`
}

// DistSpec parameterizes a value distribution.
type DistSpec struct {
	Type   string             `yaml:"type"`
	Params map[string]float64 `yaml:"params,omitempty"`
}

// LifecycleSpec defines client activity windows.
type LifecycleSpec struct {
	Windows []ActiveWindow `yaml:"windows"`
}

// ActiveWindow is a half-open tick range [StartTick, EndTick) during which a client emits jobs.
type ActiveWindow struct {
	StartTick int64 `yaml:"start_tick"`
	EndTick   int64 `yaml:"end_tick"`
}

// Valid value registries.
var (
	validArrivalProcesses = map[string]bool{
		"poisson": true, "gamma": true, "weibull": true, "constant": true,
	}
	validDistTypes = map[string]bool{
		"gaussian": true, "exponential": true, "lognormal": true, "constant": true,
	}
)

// LoadWorkloadSpec reads and parses a YAML workload specification file.
func LoadWorkloadSpec(path string) (*WorkloadSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workload spec: %w", err)
	}
	return ParseWorkloadSpec(data)
}

// ParseWorkloadSpec parses a YAML workload specification.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func ParseWorkloadSpec(data []byte) (*WorkloadSpec, error) {
	var spec WorkloadSpec
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parsing workload spec: %w", err)
	}
	if spec.Version == "" {
		spec.Version = "1"
	}
	return &spec, nil
}

// Validate checks that all fields in the spec are valid.
func (s *WorkloadSpec) Validate() error {
	if err := validateFinitePositive("aggregate_rate", s.AggregateRate); err != nil {
		return err
	}
	if s.HorizonTicks < 0 || s.NumJobs < 0 {
		return fmt.Errorf("horizon_ticks and num_jobs must be non-negative")
	}
	if len(s.Clients) == 0 {
		return fmt.Errorf("at least one client required")
	}
	seen := make(map[string]bool, len(s.Clients))
	for i := range s.Clients {
		c := &s.Clients[i]
		if seen[c.ID] {
			return fmt.Errorf("client[%d]: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = true
		if err := validateClient(c, i); err != nil {
			return err
		}
	}
	return nil
}

func validateClient(c *ClientSpec, idx int) error {
	prefix := fmt.Sprintf("client[%d]", idx)
	if c.ID == "" {
		return fmt.Errorf("%s: id required", prefix)
	}
	if !sim.ValidQoSClasses[sim.QoSClass(c.QoS)] {
		return fmt.Errorf("%s: unknown qos %q; valid: throughput, latency, balanced, or empty", prefix, c.QoS)
	}
	if err := validateFinitePositive(prefix+".rate_fraction", c.RateFraction); err != nil {
		return err
	}
	if !validArrivalProcesses[c.Arrival.Process] {
		return fmt.Errorf("%s: unknown arrival process %q; valid: poisson, gamma, weibull, constant", prefix, c.Arrival.Process)
	}
	if c.Arrival.CV != nil {
		if err := validateFinitePositive(prefix+".cv", *c.Arrival.CV); err != nil {
			return err
		}
		if c.Arrival.Process == "weibull" && (*c.Arrival.CV < 0.01 || *c.Arrival.CV > 10.4) {
			return fmt.Errorf("%s: weibull CV must be in [0.01, 10.4], got %f", prefix, *c.Arrival.CV)
		}
	}
	if _, err := c.Pipeline.ToPipeline(); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	if c.DeadlineMs < 0 || c.Payload < 0 {
		return fmt.Errorf("%s: deadline_ms and payload must be non-negative", prefix)
	}
	if c.CostScale != nil {
		if err := validateDistSpec(prefix+".cost_scale", c.CostScale); err != nil {
			return err
		}
	}
	if c.Lifecycle != nil {
		for i, w := range c.Lifecycle.Windows {
			if w.StartTick < 0 || w.EndTick <= w.StartTick {
				return fmt.Errorf("%s.lifecycle.windows[%d]: need 0 <= start_tick < end_tick", prefix, i)
			}
		}
	}
	return nil
}

func validateDistSpec(prefix string, d *DistSpec) error {
	if !validDistTypes[d.Type] {
		return fmt.Errorf("%s: unknown distribution type %q; valid: gaussian, exponential, lognormal, constant", prefix, d.Type)
	}
	for name, val := range d.Params {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("%s.params.%s must be a finite number, got %f", prefix, name, val)
		}
	}
	_, err := NewValueSampler(*d)
	return err
}

func validateFinitePositive(name string, val float64) error {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return fmt.Errorf("%s must be a finite number, got %f", name, val)
	}
	if val <= 0 {
		return fmt.Errorf("%s must be positive, got %f", name, val)
	}
	return nil
}
