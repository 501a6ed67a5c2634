// Package agent is the device-side poll loop.
//
// The agent is the reference client of the device surface: it polls the
// orchestrator for its next unit of work, executes it, and reports the
// outcome, carrying the exactly-once contract on the client side (re-polls
// before reporting receive the same unit; terminal reports are retried
// verbatim so the server can deduplicate them).
//
// Job payloads run through the local shell. Rollout payloads are delegated
// to a configured handler command; without one the agent rejects the unit,
// which the engine counts as a failure.
package agent
