package engine

import (
	"encoding/json"
	"time"
)

// WorkItemKind identifies what a campaign delivers to its devices.
type WorkItemKind string

const (
	// WorkItemKindJob is a one-shot command or script execution.
	WorkItemKindJob WorkItemKind = "job"

	// WorkItemKindRollout is a container image update.
	WorkItemKindRollout WorkItemKind = "rollout"
)

// Validate checks if the kind is valid.
func (k WorkItemKind) Validate() error {
	if k == WorkItemKindJob || k == WorkItemKindRollout {
		return nil
	}
	return NewValidationError("unknown work item kind: "+string(k), nil)
}

// Strategy identifies the rollout pacing of a work item.
type Strategy string

const (
	// StrategyImmediate dispatches all devices in a single batch.
	StrategyImmediate Strategy = "immediate"

	// StrategyStaged dispatches in health-gated percentage batches.
	StrategyStaged Strategy = "staged"
)

// Validate checks if the strategy is valid.
func (s Strategy) Validate() error {
	if s == StrategyImmediate || s == StrategyStaged {
		return nil
	}
	return NewValidationError("unknown strategy: "+string(s), nil)
}

// TargetSpec is the administrative target specification as submitted.
// Exactly one of DeviceIDs, Selector, or All must be set.
type TargetSpec struct {
	// DeviceIDs is an explicit set of device ids.
	DeviceIDs []string `json:"device_ids,omitempty"`

	// Selector matches devices by label equality.
	Selector map[string]string `json:"selector,omitempty"`

	// All targets every active device in the registry.
	All bool `json:"all,omitempty"`
}

// Validate checks that exactly one selection mode is set.
func (t TargetSpec) Validate() error {
	modes := 0
	if len(t.DeviceIDs) > 0 {
		modes++
	}
	if len(t.Selector) > 0 {
		modes++
	}
	if t.All {
		modes++
	}
	if modes != 1 {
		return NewValidationError("target spec must set exactly one of device_ids, selector, or all", nil)
	}
	return nil
}

// ImageChange is the payload of a rollout work item.
type ImageChange struct {
	// Repository is the image repository (e.g. "registry.local/sensor-agent").
	Repository string `json:"repository"`

	// ToTag is the tag to roll out.
	ToTag string `json:"to_tag"`

	// FromTag is the previously deployed tag, when known. Recorded for
	// audit; the engine does not use it for automatic reversal.
	FromTag string `json:"from_tag,omitempty"`
}

// JobPayload is the payload of a job work item.
type JobPayload struct {
	// Command is the command line the device agent runs.
	Command string `json:"command"`

	// Env is the environment passed to the command.
	Env map[string]string `json:"env,omitempty"`

	// TimeoutSeconds bounds device-side execution. Zero means the agent's
	// default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Batch is one ordered subset of a work item's resolved targets.
// Batches are contiguous and exhaustive over the resolved list.
type Batch struct {
	// Index is the zero-based batch position.
	Index int `json:"index"`

	// DeviceIDs are the devices in this batch, in resolver order.
	DeviceIDs []string `json:"device_ids"`

	// NotBefore is the earliest time units in this batch may be dispatched.
	NotBefore time.Time `json:"not_before"`
}

// PolicySnapshot is the policy configuration copied into a work item at
// creation time. Later policy edits never alter an in-flight campaign.
type PolicySnapshot struct {
	// Name is the policy the snapshot was taken from, empty for defaults.
	Name string `json:"name,omitempty"`

	// Strategy is the rollout pacing.
	Strategy Strategy `json:"strategy"`

	// BatchPercents are cumulative percentage boundaries for staged
	// strategy (e.g. 10, 50, 100). The final element is always 100.
	BatchPercents []int `json:"batch_percents,omitempty"`

	// BatchDelay is the delay between consecutive batches.
	BatchDelay time.Duration `json:"batch_delay"`

	// FailureThreshold is the failure-rate bound (0..1] above which the
	// campaign pauses or rolls back.
	FailureThreshold float64 `json:"failure_threshold"`

	// AutoRollback selects rolled_back over paused when the threshold is
	// exceeded.
	AutoRollback bool `json:"auto_rollback"`

	// DeviceTimeout is how long a dispatched unit may go unreported before
	// the sweep marks it timed_out.
	DeviceTimeout time.Duration `json:"device_timeout"`
}

// Counters are a work item's aggregate device outcome counts.
type Counters struct {
	// Total is the number of resolved target devices.
	Total int `json:"total"`

	// Succeeded is the number of devices with a succeeded outcome.
	Succeeded int `json:"succeeded"`

	// Failed is the number of devices with a failure outcome
	// (failed, timed_out, or rejected).
	Failed int `json:"failed"`

	// Pending is the number of devices without a terminal outcome.
	Pending int `json:"pending"`
}

// WorkItem is one administrative campaign against a set of devices.
type WorkItem struct {
	// ID is the opaque unique identifier.
	ID string `json:"id"`

	// Kind is the campaign kind (job or rollout).
	Kind WorkItemKind `json:"kind"`

	// Payload is the kind-dependent work document.
	Payload json.RawMessage `json:"payload"`

	// TargetSpec is the specification as submitted, retained for audit.
	TargetSpec TargetSpec `json:"target_spec"`

	// ResolvedTargets is the immutable device-id snapshot taken at
	// creation time. Never re-evaluated for an in-flight work item.
	ResolvedTargets []string `json:"resolved_targets"`

	// Policy is the policy snapshot copied at creation time.
	Policy PolicySnapshot `json:"policy"`

	// BatchPlan is the ordered batch partition of ResolvedTargets.
	BatchPlan []Batch `json:"batch_plan"`

	// Status is the lifecycle status.
	Status WorkItemStatus `json:"status"`

	// CurrentBatch is the index of the batch being dispatched or monitored.
	CurrentBatch int `json:"current_batch"`

	// Counters are the aggregate device outcome counts.
	Counters Counters `json:"counters"`

	// CancelReason records why the work item was canceled, if it was.
	CancelReason string `json:"cancel_reason,omitempty"`

	// CreatedAt is when the work item was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the work item last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// CurrentBatchPlan returns the plan entry for the current batch, or nil when
// the plan is empty.
func (w *WorkItem) CurrentBatchPlan() *Batch {
	if w.CurrentBatch < 0 || w.CurrentBatch >= len(w.BatchPlan) {
		return nil
	}
	return &w.BatchPlan[w.CurrentBatch]
}

// DeviceWorkStatus is one (work item, device) unit of work.
type DeviceWorkStatus struct {
	// WorkItemID is the owning work item.
	WorkItemID string `json:"work_item_id"`

	// DeviceID is the target device.
	DeviceID string `json:"device_id"`

	// BatchIndex is the batch this device belongs to.
	BatchIndex int `json:"batch_index"`

	// Status is the unit's state.
	Status DeviceStatus `json:"status"`

	// DispatchedAt is when the unit was returned to a device poll.
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`

	// CompletedAt is when the unit reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// RetryCount is the device-reported retry count. The engine does not
	// initiate device-side retries.
	RetryCount int `json:"retry_count"`

	// ErrorDetail is the device-reported error, if any.
	ErrorDetail string `json:"error_detail,omitempty"`

	// Result is the device-reported payload (exit code, stdout, image
	// digest), kind-dependent.
	Result json.RawMessage `json:"result,omitempty"`

	// CreatedAt is when the row was planned.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the row last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusReport is a device's (or the bus channel's) report for a unit of work.
type StatusReport struct {
	// Status is the reported state. Must be in_progress or terminal.
	Status DeviceStatus `json:"status"`

	// RetryCount is the device-side retry counter.
	RetryCount int `json:"retry_count,omitempty"`

	// ErrorDetail describes the failure, for failure outcomes.
	ErrorDetail string `json:"error_detail,omitempty"`

	// Result is the kind-dependent result payload.
	Result json.RawMessage `json:"result,omitempty"`
}

// WorkUnit is what a poll returns to a device: the unit identity plus the
// work document it should execute.
type WorkUnit struct {
	// WorkItemID identifies the campaign; the device echoes it when
	// reporting status.
	WorkItemID string `json:"work_item_id"`

	// Kind is the campaign kind.
	Kind WorkItemKind `json:"kind"`

	// Payload is the work document.
	Payload json.RawMessage `json:"payload"`

	// DispatchedAt is when this unit was (first) dispatched.
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Device is the read-only registry view of a fleet device. The engine never
// owns device identity; it references devices by id only.
type Device struct {
	// ID is the registry-assigned device id.
	ID string `json:"id"`

	// Name is the human-readable device name.
	Name string `json:"name"`

	// Labels are registry attributes used by selector target specs.
	Labels map[string]string `json:"labels,omitempty"`

	// Active indicates the device is commissioned and expected to poll.
	Active bool `json:"active"`
}

// BatchOutcome summarizes terminal outcomes within one batch.
type BatchOutcome struct {
	// Total is the number of devices in the batch.
	Total int `json:"total"`

	// Succeeded is the count of succeeded outcomes.
	Succeeded int `json:"succeeded"`

	// Failed is the count of failure outcomes (failed, timed_out, rejected).
	Failed int `json:"failed"`

	// Canceled is the count of canceled units.
	Canceled int `json:"canceled"`

	// NonTerminal is the count of units still pending, dispatched, or
	// in progress.
	NonTerminal int `json:"non_terminal"`
}

// Terminal returns true when every unit in the batch reached a final state.
func (o BatchOutcome) Terminal() bool { return o.NonTerminal == 0 }

// FailureRate returns failed / (succeeded + failed). Batches with no
// succeeded or failed outcomes (e.g. fully canceled) have rate 0.
func (o BatchOutcome) FailureRate() float64 {
	decided := o.Succeeded + o.Failed
	if decided == 0 {
		return 0
	}
	return float64(o.Failed) / float64(decided)
}
