// Package stores provides persistence layer implementations for Fleetwork.
// It includes SQLite-based storage with WAL mode, connection pooling, and
// the conditional state transitions the engine's exactly-once dispatch and
// monotonic status machines depend on.
package stores
