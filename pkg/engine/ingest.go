package engine

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwork/fleetwork/pkg/telemetry"
)

// Ingestor applies device status reports. Both the HTTP endpoint and the
// message-bus channel funnel into this single contract, so validation and
// idempotency rules are identical regardless of transport.
type Ingestor struct {
	store   Store
	orch    *Orchestrator
	events  EventPublisher
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	now     func() time.Time
}

// NewIngestor creates a status ingestor. The orchestrator receives the
// health-evaluation callback when a terminal report closes out a batch.
func NewIngestor(store Store, orch *Orchestrator, events EventPublisher, log *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Ingestor {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Ingestor{
		store:   store,
		orch:    orch,
		events:  events,
		log:     log.NewComponentLogger("ingest"),
		metrics: metrics,
		tracer:  tracer,
		now:     time.Now,
	}
}

// Report validates and applies one status report for a (work item, device)
// unit. Rules:
//
//   - devices may report in_progress, succeeded, failed, or rejected; other
//     statuses are engine-owned and rejected as validation errors
//   - transitions are checked against the device state machine; an
//     inconsistent report is rejected with the original state preserved
//   - an exact duplicate of an already-recorded terminal outcome (same
//     status, same result payload) is accepted as a no-op
//   - a re-report of a terminal unit with a different payload is rejected
//     and logged as a correctness event
//
// On a terminal report the owning batch is re-checked; if it is now fully
// terminal a health evaluation pass runs for the work item.
func (i *Ingestor) Report(ctx context.Context, workItemID, deviceID string, report StatusReport) error {
	ctx, span := i.tracer.StartReportSpan(ctx, workItemID, deviceID, string(report.Status))
	err := i.report(ctx, workItemID, deviceID, report)
	telemetry.EndSpan(span, err)
	return err
}

func (i *Ingestor) report(ctx context.Context, workItemID, deviceID string, report StatusReport) error {
	if err := validateReportedStatus(report.Status); err != nil {
		return err
	}

	unit, err := i.store.GetDeviceStatus(ctx, workItemID, deviceID)
	if err != nil {
		return err
	}

	if unit.Status.IsTerminal() {
		if unit.Status == report.Status && samePayload(unit, report) {
			i.metrics.ReportAccepted("duplicate")
			i.log.WithWorkItem(workItemID).WithDevice(deviceID).
				Debug("duplicate terminal report accepted as no-op")
			return nil
		}
		i.metrics.CorrectnessEvent("late_or_conflicting_report")
		i.log.WithWorkItem(workItemID).WithDevice(deviceID).
			WithField("recorded", string(unit.Status)).
			WithField("reported", string(report.Status)).
			Warn("conflicting report for terminal unit rejected")
		return NewConflictError("unit already terminal with a different outcome", nil).
			WithCode(ErrCodeDuplicateReport).WithWorkItem(workItemID).WithDevice(deviceID)
	}

	// Repeated in_progress confirmations are no-ops.
	if unit.Status == DeviceStatusInProgress && report.Status == DeviceStatusInProgress {
		i.metrics.ReportAccepted("duplicate")
		return nil
	}

	if !unit.Status.CanTransition(report.Status) {
		i.metrics.CorrectnessEvent("invalid_transition")
		i.log.WithWorkItem(workItemID).WithDevice(deviceID).
			WithField("from", string(unit.Status)).
			WithField("to", string(report.Status)).
			Warn("invalid status transition rejected")
		return NewInvalidTransitionError(unit.Status, report.Status).
			WithWorkItem(workItemID).WithDevice(deviceID)
	}

	ok, err := i.store.ApplyReport(ctx, workItemID, deviceID, unit.Status, report, i.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		// The row moved between read and write (sweep or a racing report).
		// Re-validate against the fresh state: the common case is a report
		// arriving just after the sweep marked the unit timed_out, which is
		// a rejected transition from a terminal state.
		return i.Report(ctx, workItemID, deviceID, report)
	}

	i.metrics.ReportAccepted(string(report.Status))
	i.publishStatusChange(ctx, workItemID, deviceID, unit.Status, report.Status)
	i.log.WithWorkItem(workItemID).WithDevice(deviceID).
		WithField("from", string(unit.Status)).
		WithField("to", string(report.Status)).
		Info("status report applied")

	if report.Status.IsTerminal() {
		outcome, err := i.store.BatchOutcome(ctx, workItemID, unit.BatchIndex)
		if err != nil {
			return err
		}
		if outcome.Terminal() {
			if err := i.orch.Evaluate(ctx, workItemID); err != nil {
				i.log.WithWorkItem(workItemID).WithError(err).
					Warn("post-report evaluation failed")
			}
		}
	}
	return nil
}

func (i *Ingestor) publishStatusChange(ctx context.Context, workItemID, deviceID string, before, after DeviceStatus) {
	if i.events == nil {
		return
	}
	err := i.events.Publish(ctx, Event{
		ID:         uuid.New().String(),
		Type:       EventTypeDeviceStatus,
		WorkItemID: workItemID,
		DeviceID:   deviceID,
		Before:     string(before),
		After:      string(after),
		Timestamp:  i.now().UTC(),
	})
	if err != nil {
		i.log.WithError(err).Debug("event publish failed")
	}
}

// validateReportedStatus restricts reports to device-reportable statuses.
func validateReportedStatus(status DeviceStatus) error {
	switch status {
	case DeviceStatusInProgress, DeviceStatusSucceeded,
		DeviceStatusFailed, DeviceStatusRejected:
		return nil
	}
	return NewValidationError("status not reportable by devices: "+string(status), nil)
}

// samePayload reports whether a re-report matches the recorded outcome.
func samePayload(unit *DeviceWorkStatus, report StatusReport) bool {
	return bytes.Equal(unit.Result, report.Result) && unit.ErrorDetail == report.ErrorDetail
}
