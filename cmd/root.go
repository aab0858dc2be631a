package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/colony-sim/colony-sim/sim"
	"github.com/colony-sim/colony-sim/sim/store"
	"github.com/colony-sim/colony-sim/sim/telemetry"
	"github.com/colony-sim/colony-sim/sim/trace"
	"github.com/colony-sim/colony-sim/sim/workload"
)

// version is stamped into telemetry resources.
var version = "dev"

var (
	// CLI flags for the run command
	seed          int64  // Seed for every random stream in the colony and workload
	ticks         int64  // Number of ticks to simulate
	logLevel      string // Log verbosity level
	configPath    string // Colony YAML; empty = built-in defaults
	workloadPath  string // Workload YAML; empty = built-in mixed workload
	policyName    string // Scheduling policy override
	traceLevel    string // Trace detail override
	snapshotDB    string // SQLite file for snapshots; empty = no persistence
	snapshotLabel string // Label for the end-of-run snapshot
	resumeID      string // Snapshot ID to resume from
	otelEndpoint  string // OTLP/HTTP endpoint; empty = telemetry off
	otelInsecure  bool   // Plain HTTP to the OTLP endpoint
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "colony-sim",
	Short: "Tick-driven stress simulator for a compute colony",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loadDotEnv()
		if err := applyEnv(cmd.Flags()); err != nil {
			return err
		}
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q", logLevel)
		}
		logrus.SetLevel(level)
		return nil
	},
}

// runOptions is the resolved configuration of one run.
type runOptions struct {
	Config        *sim.ColonyConfig
	Workload      *workload.WorkloadSpec
	Ticks         int64
	SnapshotDB    string
	SnapshotLabel string
	ResumeID      string
	Recorder      sim.Observer

	// DefaultWorkload re-seeds the built-in workload from a resumed snapshot.
	DefaultWorkload bool
}

// runColony builds (or resumes) a colony, drives it for opts.Ticks and
// writes the end-of-run report to out.
func runColony(ctx context.Context, opts runOptions, out io.Writer) (*sim.Colony, error) {
	var db *store.Store
	if opts.SnapshotDB != "" {
		var err error
		if db, err = store.Open(ctx, opts.SnapshotDB); err != nil {
			return nil, err
		}
		defer db.Close()
	}

	var colony *sim.Colony
	if opts.ResumeID != "" {
		if db == nil {
			return nil, errors.New("--resume needs --snapshot-db")
		}
		snap, err := db.Load(ctx, opts.ResumeID)
		if err != nil {
			return nil, err
		}
		if colony, err = sim.Restore(snap); err != nil {
			return nil, err
		}
		logrus.Infof("resumed snapshot %s at tick %d", opts.ResumeID, colony.Tick())
		if opts.DefaultWorkload {
			opts.Workload = workload.DefaultWorkloadSpec(int64(colony.Key()))
		}
	} else {
		var err error
		if colony, err = sim.NewColony(opts.Config); err != nil {
			return nil, err
		}
	}

	gen, err := workload.NewGenerator(opts.Workload, colony.Tunables().TickMs)
	if err != nil {
		return nil, err
	}
	if opts.Recorder != nil {
		colony.AddObserver(opts.Recorder)
	}

	start := time.Now()
	runErr := colony.Run(ctx, opts.Ticks, gen)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return nil, runErr
	}
	if runErr != nil {
		logrus.Warnf("run interrupted at tick %d", colony.Tick())
	}

	colony.Metrics().Print(out)
	printTraceSummary(out, trace.Summarize(colony.Report()))
	for _, in := range colony.DrainIntents() {
		m := in.Meta()
		fmt.Fprintf(out, "Pending intent       : %s %s (from %s at tick %d)\n", in.Kind(), sim.IntentTarget(in), m.Source, m.Tick)
	}
	fmt.Fprintf(out, "Wall time            : %s\n", time.Since(start).Round(time.Millisecond))

	if db != nil {
		// A fresh context so an interrupted run still gets saved.
		e, err := db.Save(context.WithoutCancel(ctx), opts.SnapshotLabel, colony.Snapshot())
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(out, "Snapshot             : %s\n", e.ID)
	}
	return colony, nil
}

func printTraceSummary(w io.Writer, s *trace.TraceSummary) {
	fmt.Fprintf(w, "Dispatches           : %d\n", s.Dispatches)
	fmt.Fprintf(w, "Batches              : %d (mean size %.2f, %d faulted)\n", s.Batches, s.MeanBatchSize, s.FaultedBatches)
	fmt.Fprintf(w, "Traced Faults        : %d (mean p %.4f, max p %.4f)\n", s.TotalFaults, s.MeanFaultProb, s.MaxFaultProb)
	fmt.Fprintf(w, "VRAM Refusals        : %d\n", s.Refusals)
	for _, id := range sortedKeys(s.SwanFires) {
		fmt.Fprintf(w, "Swan %-16s: %d fires\n", id, s.SwanFires[id])
	}
}

// resolveRunOptions merges config files, flags and environment into runOptions.
func resolveRunOptions(cmd *cobra.Command) (runOptions, error) {
	cfg := sim.DefaultColonyConfig()
	if configPath != "" {
		var err error
		if cfg, err = sim.LoadColonyConfig(configPath); err != nil {
			return runOptions{}, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("policy") {
		cfg.Policy = policyName
	}
	if flags.Changed("trace-level") {
		cfg.TraceLevel = traceLevel
	}

	spec := workload.DefaultWorkloadSpec(cfg.Seed)
	if workloadPath != "" {
		var err error
		if spec, err = workload.LoadWorkloadSpec(workloadPath); err != nil {
			return runOptions{}, err
		}
		if flags.Changed("seed") {
			spec.Seed = seed
		}
	}
	if ticks <= 0 {
		return runOptions{}, fmt.Errorf("--ticks must be positive, got %d", ticks)
	}
	label := snapshotLabel
	if label == "" {
		label = fmt.Sprintf("seed-%d", cfg.Seed)
	}
	return runOptions{
		Config:        cfg,
		Workload:      spec,
		Ticks:         ticks,
		SnapshotDB:    snapshotDB,
		SnapshotLabel: label,
		ResumeID:      resumeID,

		DefaultWorkload: workloadPath == "",
	}, nil
}

// runCmd executes the simulation using parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the colony simulation",
	Run: func(cmd *cobra.Command, args []string) {
		opts, err := resolveRunOptions(cmd)
		if err != nil {
			logrus.Fatalf("%v", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		shutdown, err := telemetry.Init(ctx, otelEndpoint, "colony-sim", version, otelInsecure)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logrus.Warnf("telemetry shutdown: %v", err)
			}
		}()
		if otelEndpoint != "" {
			rec, err := telemetry.NewRecorder(ctx, telemetry.Meter("colony-sim"))
			if err != nil {
				logrus.Fatalf("%v", err)
			}
			opts.Recorder = rec
		}

		logrus.Infof("Starting colony: seed=%d policy=%s ticks=%d", opts.Config.Seed, opts.Config.Policy, opts.Ticks)
		if _, err := runColony(ctx, opts, os.Stdout); err != nil {
			logrus.Fatalf("%v", err)
		}
		logrus.Info("Simulation complete.")
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for the colony and workload")
	runCmd.Flags().Int64Var(&ticks, "ticks", 1000, "Number of ticks to simulate")
	runCmd.Flags().StringVar(&configPath, "config", "", "Colony config YAML (default: built-in colony)")
	runCmd.Flags().StringVar(&workloadPath, "workload", "", "Workload spec YAML (default: built-in mixed workload)")
	runCmd.Flags().StringVar(&policyName, "policy", "fcfs", "Scheduling policy (fcfs, sjf, edf)")
	runCmd.Flags().StringVar(&traceLevel, "trace-level", "events", "Trace detail (events, all)")
	runCmd.Flags().StringVar(&snapshotDB, "snapshot-db", "", "SQLite file to save the end-of-run snapshot in")
	runCmd.Flags().StringVar(&snapshotLabel, "snapshot-label", "", "Label for the saved snapshot (default: seed-<seed>)")
	runCmd.Flags().StringVar(&resumeID, "resume", "", "Snapshot ID to resume from (needs --snapshot-db)")
	runCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP/HTTP endpoint for metrics and traces")
	runCmd.Flags().BoolVar(&otelInsecure, "otel-insecure", false, "Use plain HTTP for the OTLP endpoint")

	rootCmd.AddCommand(runCmd)
}
