package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwork/fleetwork/pkg/telemetry"
)

// PollHandler answers a device's "give me my next unit of work" request.
//
// The handler preserves the at-most-one-active-unit invariant: if the device
// already holds a dispatched or in-progress unit it gets that same unit again
// (idempotent re-delivery), never a new one. Dispatch itself is a single
// conditional transition keyed on (device, status = pending) and guarded
// against any active unit the device already holds across work items, so
// interleaved poll storms cannot double-dispatch.
type PollHandler struct {
	store   Store
	events  EventPublisher
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewPollHandler creates a poll handler.
func NewPollHandler(store Store, events EventPublisher, log *telemetry.Logger, metrics *telemetry.Metrics) *PollHandler {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &PollHandler{
		store:   store,
		events:  events,
		log:     log.NewComponentLogger("dispatch"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Next returns the device's next unit of work, or nil when nothing is
// pending. Selection is oldest work item first among eligible pending units
// (batch reached, not-before elapsed, work item dispatching or monitoring).
func (h *PollHandler) Next(ctx context.Context, deviceID string) (*WorkUnit, error) {
	if deviceID == "" {
		return nil, NewValidationError("device id is required", nil)
	}

	for attempt := 0; attempt < 3; attempt++ {
		// Re-delivery first: a device that polls again before reporting
		// always receives the unit it already holds.
		unit, item, err := h.store.ActiveUnit(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		if unit != nil {
			h.metrics.PollServed("redelivered")
			h.log.WithWorkItem(unit.WorkItemID).WithDevice(deviceID).
				Debug("re-delivering active unit")
			return workUnitFor(item, unit), nil
		}

		unit, item, err = h.store.NextPending(ctx, deviceID, h.now().UTC())
		if err != nil {
			return nil, err
		}
		if unit == nil {
			h.metrics.PollServed("none")
			return nil, nil
		}

		dispatchedAt := h.now().UTC()
		deadline := dispatchedAt.Add(item.Policy.DeviceTimeout)
		ok, err := h.store.MarkDispatched(ctx, unit.WorkItemID, deviceID, dispatchedAt, deadline)
		if err != nil {
			return nil, err
		}
		if !ok {
			// A concurrent poll won the conditional transition. Loop so the
			// re-delivery path returns whatever that poll dispatched.
			continue
		}

		h.metrics.PollServed("dispatched")
		h.publishStatusChange(ctx, unit.WorkItemID, deviceID,
			DeviceStatusPending, DeviceStatusDispatched)
		h.log.WithWorkItem(unit.WorkItemID).WithDevice(deviceID).
			WithField("batch_index", unit.BatchIndex).
			Info("unit dispatched")

		unit.Status = DeviceStatusDispatched
		unit.DispatchedAt = &dispatchedAt
		return workUnitFor(item, unit), nil
	}

	return nil, NewTransientError("poll contention, retry", nil).WithDevice(deviceID)
}

func (h *PollHandler) publishStatusChange(ctx context.Context, workItemID, deviceID string, before, after DeviceStatus) {
	if h.events == nil {
		return
	}
	err := h.events.Publish(ctx, Event{
		ID:         uuid.New().String(),
		Type:       EventTypeDeviceStatus,
		WorkItemID: workItemID,
		DeviceID:   deviceID,
		Before:     string(before),
		After:      string(after),
		Timestamp:  h.now().UTC(),
	})
	if err != nil {
		h.log.WithError(err).Debug("event publish failed")
	}
}

// workUnitFor builds the poll response for a unit of its owning work item.
func workUnitFor(item *WorkItem, unit *DeviceWorkStatus) *WorkUnit {
	dispatchedAt := time.Time{}
	if unit.DispatchedAt != nil {
		dispatchedAt = *unit.DispatchedAt
	}
	return &WorkUnit{
		WorkItemID:   item.ID,
		Kind:         item.Kind,
		Payload:      item.Payload,
		DispatchedAt: dispatchedAt,
	}
}
