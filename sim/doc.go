// Package sim provides the tick-driven colony stress simulator.
//
// # Reading Guide
//
// Start with these files to understand the simulation kernel:
//   - job.go: pipelines, operators and the work class a job is routed by
//   - worker.go: worker traits and the idle → queued → running lifecycle
//   - colony.go: the Colony and its fixed per-tick phase order
//
// # Tick Phases
//
// Every Step runs, in order: expire debts, apply inbox commands, retire
// finished work, update heat/power/bandwidth, dispatch CPU and IO jobs,
// admit and flush GPU batches, sample KPIs, evaluate black swans, and grow
// the corruption field. All randomness comes from PartitionedRNG streams
// keyed by (seed, tick, subsystem), so a session replays bit-identically.
//
// # Architecture
//
// The sim package holds the colony state and models; supporting packages
// live alongside it:
//   - sim/trace/: the append-only report stream (faults, batches, swans, intents)
//   - sim/workload/: job templates and deterministic arrival generation
//   - sim/store/: SQLite persistence for snapshots
//   - sim/telemetry/: OpenTelemetry export of per-tick metrics
//
// # Key Types
//
//   - Policy: FCFS, SJF and EDF ordering of a sub-queue
//   - DebtLedger: time-bounded modifiers (power, heat, bandwidth, VRAM, fault bias, illusions)
//   - GpuBatchEngine: per-pipeline batch buffers with VRAM admission
//   - BlackSwanIndex: KPI-triggered catastrophes with cooldowns and cures
//   - Inbox: the only concurrency-safe entry point into a running colony
//   - Snapshot: fail-closed persistence of the full colony state
package sim
