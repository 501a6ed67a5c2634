package engine

import (
	"encoding/json"
	"fmt"
)

// DeviceStatus represents the state of one (work item, device) unit of work.
type DeviceStatus string

const (
	// DeviceStatusPending indicates the device is in a planned batch but has
	// not yet pulled the unit of work.
	DeviceStatusPending DeviceStatus = "pending"

	// DeviceStatusDispatched indicates the unit was returned to a device
	// poll and the engine is waiting for a report.
	DeviceStatusDispatched DeviceStatus = "dispatched"

	// DeviceStatusInProgress indicates the device confirmed it started.
	DeviceStatusInProgress DeviceStatus = "in_progress"

	// DeviceStatusSucceeded indicates the device reported success.
	DeviceStatusSucceeded DeviceStatus = "succeeded"

	// DeviceStatusFailed indicates the device reported failure.
	DeviceStatusFailed DeviceStatus = "failed"

	// DeviceStatusTimedOut indicates no report arrived within the configured
	// deadline. Only the timeout sweep produces this transition.
	DeviceStatusTimedOut DeviceStatus = "timed_out"

	// DeviceStatusRejected indicates the device refused the unit of work.
	DeviceStatusRejected DeviceStatus = "rejected"

	// DeviceStatusCanceled indicates the owning work item was canceled
	// before the unit reached a terminal state.
	DeviceStatusCanceled DeviceStatus = "canceled"
)

// String implements fmt.Stringer.
func (s DeviceStatus) String() string { return string(s) }

// IsTerminal returns true if the status represents a final outcome.
func (s DeviceStatus) IsTerminal() bool {
	switch s {
	case DeviceStatusSucceeded, DeviceStatusFailed, DeviceStatusTimedOut,
		DeviceStatusRejected, DeviceStatusCanceled:
		return true
	}
	return false
}

// IsActive returns true if the device currently holds the unit of work.
func (s DeviceStatus) IsActive() bool {
	return s == DeviceStatusDispatched || s == DeviceStatusInProgress
}

// IsFailure returns true if the status counts toward a batch's failure rate.
// Timed-out and rejected outcomes count identically to explicit failures.
func (s DeviceStatus) IsFailure() bool {
	return s == DeviceStatusFailed || s == DeviceStatusTimedOut || s == DeviceStatusRejected
}

// CanTransition reports whether the transition from s to next is legal.
//
// Pending units become dispatched only through the poll handler; dispatched
// and in-progress units reach success/failure/rejection only through status
// ingest and timed_out only through the sweep; any non-terminal unit may be
// canceled with its work item. Everything else is an invalid transition.
func (s DeviceStatus) CanTransition(next DeviceStatus) bool {
	switch s {
	case DeviceStatusPending:
		return next == DeviceStatusDispatched || next == DeviceStatusCanceled
	case DeviceStatusDispatched:
		switch next {
		case DeviceStatusInProgress, DeviceStatusSucceeded, DeviceStatusFailed,
			DeviceStatusRejected, DeviceStatusTimedOut, DeviceStatusCanceled:
			return true
		}
	case DeviceStatusInProgress:
		switch next {
		case DeviceStatusSucceeded, DeviceStatusFailed, DeviceStatusRejected,
			DeviceStatusTimedOut, DeviceStatusCanceled:
			return true
		}
	}
	return false
}

// Validate checks if the device status is valid.
func (s DeviceStatus) Validate() error {
	switch s {
	case DeviceStatusPending, DeviceStatusDispatched, DeviceStatusInProgress,
		DeviceStatusSucceeded, DeviceStatusFailed, DeviceStatusTimedOut,
		DeviceStatusRejected, DeviceStatusCanceled:
		return nil
	default:
		return fmt.Errorf("invalid device status: %s", s)
	}
}

// UnmarshalJSON implements JSON unmarshaling with validation.
func (s *DeviceStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = DeviceStatus(str)
	return s.Validate()
}

// WorkItemStatus represents the lifecycle state of a campaign.
type WorkItemStatus string

const (
	// WorkItemStatusCreated indicates the work item exists but no batch has
	// been opened for dispatch yet.
	WorkItemStatusCreated WorkItemStatus = "created"

	// WorkItemStatusDispatching indicates the current batch is open but its
	// not-before time has not yet elapsed.
	WorkItemStatusDispatching WorkItemStatus = "dispatching"

	// WorkItemStatusMonitoring indicates devices in the current batch are
	// self-serving units and the engine is waiting for full terminality.
	WorkItemStatusMonitoring WorkItemStatus = "monitoring"

	// WorkItemStatusPaused indicates the failure threshold was exceeded with
	// auto-rollback disabled; only resume or cancel are admitted.
	WorkItemStatusPaused WorkItemStatus = "paused"

	// WorkItemStatusRolledBack indicates the campaign was halted by the
	// health evaluator. Device state is not reverted; reversal is a new
	// work item created by the administrative layer.
	WorkItemStatusRolledBack WorkItemStatus = "rolled_back"

	// WorkItemStatusCompleted indicates every batch finished under the
	// failure threshold.
	WorkItemStatusCompleted WorkItemStatus = "completed"

	// WorkItemStatusCanceled indicates an administrative cancel.
	WorkItemStatusCanceled WorkItemStatus = "canceled"

	// WorkItemStatusFailed indicates an unrecoverable engine-side failure.
	WorkItemStatusFailed WorkItemStatus = "failed"
)

// String implements fmt.Stringer.
func (s WorkItemStatus) String() string { return string(s) }

// IsTerminal returns true if the work item reached a final state.
func (s WorkItemStatus) IsTerminal() bool {
	switch s {
	case WorkItemStatusRolledBack, WorkItemStatusCompleted,
		WorkItemStatusCanceled, WorkItemStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the transition from s to next is legal.
func (s WorkItemStatus) CanTransition(next WorkItemStatus) bool {
	switch s {
	case WorkItemStatusCreated:
		switch next {
		case WorkItemStatusDispatching, WorkItemStatusMonitoring,
			WorkItemStatusCompleted, WorkItemStatusCanceled, WorkItemStatusFailed:
			return true
		}
	case WorkItemStatusDispatching:
		switch next {
		case WorkItemStatusMonitoring, WorkItemStatusCanceled, WorkItemStatusFailed:
			return true
		}
	case WorkItemStatusMonitoring:
		switch next {
		case WorkItemStatusDispatching, WorkItemStatusPaused, WorkItemStatusRolledBack,
			WorkItemStatusCompleted, WorkItemStatusCanceled, WorkItemStatusFailed:
			return true
		}
	case WorkItemStatusPaused:
		// Resume re-enters monitoring (current batch unfinished), advances
		// to the next batch, or completes when the final batch was the one
		// that paused; cancel is always admitted.
		switch next {
		case WorkItemStatusMonitoring, WorkItemStatusDispatching,
			WorkItemStatusCompleted, WorkItemStatusCanceled:
			return true
		}
	}
	return false
}

// Validate checks if the work item status is valid.
func (s WorkItemStatus) Validate() error {
	switch s {
	case WorkItemStatusCreated, WorkItemStatusDispatching, WorkItemStatusMonitoring,
		WorkItemStatusPaused, WorkItemStatusRolledBack, WorkItemStatusCompleted,
		WorkItemStatusCanceled, WorkItemStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid work item status: %s", s)
	}
}

// UnmarshalJSON implements JSON unmarshaling with validation.
func (s *WorkItemStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = WorkItemStatus(str)
	return s.Validate()
}
