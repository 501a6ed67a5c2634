// Package engine implements the Fleetwork work orchestration engine.
//
// # Overview
//
// Fleetwork drives work (command jobs and image rollouts) across a fleet of
// intermittently connected edge devices. Devices cannot be pushed to; they
// poll the engine for their next unit of work and report outcomes on their
// own schedule. The engine turns a single administrative request into a
// supervised, staged campaign and makes liveness decisions (advance, pause,
// roll back) from partial, continuously arriving information.
//
// # Components
//
//   - TargetResolver: resolves a target specification into an immutable
//     device-id snapshot at work item creation time
//   - BatchPlanner: partitions the snapshot into ordered batches by
//     cumulative percentage with inter-batch delays
//   - PollHandler: answers a device's "next unit of work" request atomically
//   - Ingestor: validates and applies device status reports
//   - HealthEvaluator: computes batch failure rates and decides
//     advance / pause / roll back
//   - Orchestrator: owns the work item lifecycle and invokes the above
//   - ControlLoop: periodic timeout sweep, batch-delay expiry, and stale
//     evaluation, with idempotent re-entrant steps
//
// # Correctness guarantees
//
// At most one active (dispatched or in-progress) unit of work per device
// across all work items; exactly-once dispatch per (work item, device) pair;
// monotonic status transitions on both device rows and work items. All
// conditional transitions are keyed on the current state so duplicate polls
// and duplicate reports cannot double-apply.
package engine
