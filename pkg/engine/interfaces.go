package engine

import (
	"context"
	"time"
)

// WorkItemUpdate carries the optional field changes applied together with a
// conditional work item transition.
type WorkItemUpdate struct {
	// CurrentBatch, when non-nil, sets the current batch index.
	CurrentBatch *int

	// CancelReason, when non-empty, records why the work item was canceled.
	CancelReason string
}

// ExpiredUnit identifies a unit the timeout sweep marked timed_out.
type ExpiredUnit struct {
	WorkItemID string
	DeviceID   string
	BatchIndex int
}

// Store is the persistence contract the engine operates on. All conditional
// operations are single atomic state transitions keyed on the current state;
// they return false (not an error) when the precondition no longer holds, so
// concurrent polls, duplicate reports, and competing control-loop instances
// resolve by exactly one writer winning.
type Store interface {
	// CreateWorkItem persists a work item and its planned device units in
	// one transaction.
	CreateWorkItem(ctx context.Context, item *WorkItem, units []*DeviceWorkStatus) error

	// GetWorkItem returns a work item by id, or a not-found error.
	GetWorkItem(ctx context.Context, id string) (*WorkItem, error)

	// ListWorkItems returns work items ordered by creation time descending.
	ListWorkItems(ctx context.Context, limit, offset int) ([]*WorkItem, error)

	// ListWorkItemsByStatus returns work items currently in any of the
	// given statuses, oldest first.
	ListWorkItemsByStatus(ctx context.Context, statuses ...WorkItemStatus) ([]*WorkItem, error)

	// TransitionWorkItem conditionally moves a work item from status from
	// to status to, applying update in the same write. It returns false if
	// the work item was not in from.
	TransitionWorkItem(ctx context.Context, id string, from, to WorkItemStatus, update WorkItemUpdate) (bool, error)

	// GetDeviceStatus returns one unit row, or a not-found error.
	GetDeviceStatus(ctx context.Context, workItemID, deviceID string) (*DeviceWorkStatus, error)

	// ListDeviceStatuses returns all unit rows of a work item in batch,
	// then device order.
	ListDeviceStatuses(ctx context.Context, workItemID string) ([]*DeviceWorkStatus, error)

	// ActiveUnit returns the device's dispatched or in-progress unit across
	// all work items, with its owning work item, or (nil, nil, nil).
	// At most one such unit can exist per device.
	ActiveUnit(ctx context.Context, deviceID string) (*DeviceWorkStatus, *WorkItem, error)

	// NextPending returns the device's oldest eligible pending unit: its
	// work item is dispatching or monitoring, the unit belongs to the
	// current batch, and the batch not-before time has elapsed. Returns
	// (nil, nil, nil) when nothing is pending.
	NextPending(ctx context.Context, deviceID string, now time.Time) (*DeviceWorkStatus, *WorkItem, error)

	// MarkDispatched conditionally transitions a pending unit to dispatched,
	// stamping the dispatch time and the report deadline. Returns false if
	// the unit was no longer pending or the device already holds an active
	// unit on any work item.
	MarkDispatched(ctx context.Context, workItemID, deviceID string, at time.Time, deadline time.Time) (bool, error)

	// ApplyReport conditionally transitions a unit from from to report.Status
	// and updates the owning work item's aggregate counters in the same
	// transaction. Returns false if the unit was not in from.
	ApplyReport(ctx context.Context, workItemID, deviceID string, from DeviceStatus, report StatusReport, at time.Time) (bool, error)

	// TerminateWorkItem atomically transitions a work item from from to to
	// (canceled or rolled_back), flips every non-terminal unit to canceled,
	// zeroes the pending counter, and records the reason. Returns false if
	// the work item was not in from, plus the number of units flipped.
	TerminateWorkItem(ctx context.Context, id string, from, to WorkItemStatus, reason string, at time.Time) (bool, int, error)

	// BatchOutcome summarizes unit outcomes for one batch of a work item.
	BatchOutcome(ctx context.Context, workItemID string, batchIndex int) (BatchOutcome, error)

	// ExpireOverdueUnits transitions every dispatched or in-progress unit
	// past its report deadline to timed_out, counting each as a failure on
	// its work item, and returns the expired units.
	ExpireOverdueUnits(ctx context.Context, now time.Time) ([]ExpiredUnit, error)
}

// DeviceRegistry is the read-only view of the external device registry.
// The engine never owns device identity; it resolves target specifications
// against this interface once, at work item creation.
type DeviceRegistry interface {
	// Get returns the registry records for the given ids. Unknown ids are
	// omitted from the result, not errors.
	Get(ctx context.Context, ids []string) ([]Device, error)

	// Select returns active devices whose labels match every key/value pair
	// of the selector, in the registry's stable order.
	Select(ctx context.Context, selector map[string]string) ([]Device, error)

	// ListActive returns all active devices in the registry's stable order.
	ListActive(ctx context.Context) ([]Device, error)
}

// Event is a domain event emitted to the external audit/alerting log.
// Emission is fire-and-forget: consumers are external and delivery failures
// never affect engine correctness.
type Event struct {
	// ID is the unique event id.
	ID string `json:"id"`

	// Type is the event type (see EventType constants).
	Type string `json:"type"`

	// WorkItemID is the work item involved.
	WorkItemID string `json:"work_item_id"`

	// DeviceID is the device involved, when applicable.
	DeviceID string `json:"device_id,omitempty"`

	// Before is the status before the change, when applicable.
	Before string `json:"before,omitempty"`

	// After is the status after the change, when applicable.
	After string `json:"after,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Data carries additional event-specific fields.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Domain event types.
const (
	EventTypeWorkItemCreated   = "workitem.created"
	EventTypeBatchDispatched   = "workitem.batch_dispatched"
	EventTypeDeviceStatus      = "device.status_changed"
	EventTypeWorkItemPaused    = "workitem.paused"
	EventTypeWorkItemResumed   = "workitem.resumed"
	EventTypeWorkItemRolled    = "workitem.rolled_back"
	EventTypeWorkItemCompleted = "workitem.completed"
	EventTypeWorkItemCanceled  = "workitem.canceled"
	EventTypeWorkItemFailed    = "workitem.failed"
)

// EventPublisher publishes domain events to the external log.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// PolicyLookup resolves the policy governing a new work item. Implementations
// are external configuration (see pkg/config); the snapshot returned is
// copied into the work item so later edits cannot alter in-flight campaigns.
type PolicyLookup interface {
	// Lookup returns the policy snapshot by name. An empty name returns the
	// default policy.
	Lookup(name string) (PolicySnapshot, error)

	// Match returns the first enabled policy matching the repository and
	// tag, or false when none matches.
	Match(repository, tag string) (PolicySnapshot, bool)
}
