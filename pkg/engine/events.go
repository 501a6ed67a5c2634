package engine

import (
	"context"
	"fmt"

	"github.com/fleetwork/fleetwork/pkg/telemetry"
)

// telemetryPublisher bridges domain events onto the telemetry event bus.
type telemetryPublisher struct {
	pub *telemetry.EventPublisher
}

// NewTelemetryEventPublisher returns an EventPublisher that forwards domain
// events to the given telemetry publisher.
func NewTelemetryEventPublisher(pub *telemetry.EventPublisher) EventPublisher {
	return &telemetryPublisher{pub: pub}
}

func (p *telemetryPublisher) Publish(_ context.Context, e Event) error {
	if p.pub == nil {
		return nil
	}
	return p.pub.Publish(telemetry.Event{
		ID:         e.ID,
		Timestamp:  e.Timestamp,
		Type:       e.Type,
		Source:     "engine",
		WorkItemID: e.WorkItemID,
		DeviceID:   e.DeviceID,
		Before:     e.Before,
		After:      e.After,
		Message:    eventMessage(e),
		Level:      eventLevel(e),
		Data:       e.Data,
	})
}

func eventMessage(e Event) string {
	switch {
	case e.DeviceID != "" && e.Before != "":
		return fmt.Sprintf("device %s moved from %s to %s", e.DeviceID, e.Before, e.After)
	case e.DeviceID != "":
		return fmt.Sprintf("device %s is now %s", e.DeviceID, e.After)
	case e.Before != "":
		return fmt.Sprintf("work item %s moved from %s to %s", e.WorkItemID, e.Before, e.After)
	default:
		return fmt.Sprintf("work item %s: %s", e.WorkItemID, e.Type)
	}
}

func eventLevel(e Event) string {
	switch e.Type {
	case EventTypeWorkItemPaused, EventTypeWorkItemRolled:
		return telemetry.EventLevelWarning
	case EventTypeWorkItemFailed:
		return telemetry.EventLevelError
	default:
		return telemetry.EventLevelInfo
	}
}
