package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwork/fleetwork/pkg/telemetry"
)

// ControlLoop is the engine's single periodic driver. Each tick runs two
// idempotent, re-entrant steps:
//
//  1. timeout sweep: dispatched and in-progress units past their report
//     deadline become timed_out (the sole source of that transition) and
//     count as failures
//  2. evaluation sweep: every non-terminal work item is re-evaluated,
//     which opens batches whose not-before delay has elapsed and re-runs
//     health evaluation that an ingest callback may have missed
//
// Every step works through conditional state transitions, so multiple
// concurrent loop instances (horizontally scaled orchestrators) are safe:
// each transition is won by exactly one instance.
type ControlLoop struct {
	store    Store
	orch     *Orchestrator
	events   EventPublisher
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	interval time.Duration
	now      func() time.Time
}

// NewControlLoop creates a control loop ticking at the given interval.
func NewControlLoop(store Store, orch *Orchestrator, events EventPublisher, log *telemetry.Logger, metrics *telemetry.Metrics, interval time.Duration) *ControlLoop {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ControlLoop{
		store:    store,
		orch:     orch,
		events:   events,
		log:      log.NewComponentLogger("control-loop"),
		metrics:  metrics,
		interval: interval,
		now:      time.Now,
	}
}

// Run ticks until the context is canceled.
func (l *ControlLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.log.WithField("interval", l.interval.String()).Info("control loop started")
	for {
		select {
		case <-ctx.Done():
			l.log.Info("control loop stopped")
			return
		case <-ticker.C:
			if err := l.Step(ctx); err != nil {
				l.log.WithError(err).Warn("control loop step failed")
			}
		}
	}
}

// Step runs one tick's worth of work. Exposed for tests and for one-shot
// invocation; safe to call concurrently with a running loop.
func (l *ControlLoop) Step(ctx context.Context) error {
	if err := l.sweepTimeouts(ctx); err != nil {
		return err
	}
	return l.evaluateActive(ctx)
}

// sweepTimeouts expires overdue units and re-evaluates their work items.
// A report racing the sweep resolves through the conditional transition:
// whichever writes first wins, and the loser is rejected by the state
// machine.
func (l *ControlLoop) sweepTimeouts(ctx context.Context) error {
	expired, err := l.store.ExpireOverdueUnits(ctx, l.now().UTC())
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	l.metrics.UnitsTimedOut(len(expired))
	for _, e := range expired {
		l.publishTimeout(ctx, e)
		l.log.WithWorkItem(e.WorkItemID).WithDevice(e.DeviceID).
			WithField("batch_index", e.BatchIndex).
			Warn("unit timed out without a report")
	}
	return nil
}

// evaluateActive re-runs the orchestrator's evaluation step over every
// non-terminal work item.
func (l *ControlLoop) evaluateActive(ctx context.Context) error {
	items, err := l.store.ListWorkItemsByStatus(ctx,
		WorkItemStatusCreated, WorkItemStatusDispatching, WorkItemStatusMonitoring)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := l.orch.Evaluate(ctx, item.ID); err != nil {
			l.log.WithWorkItem(item.ID).WithError(err).Warn("evaluation failed")
		}
	}
	return nil
}

func (l *ControlLoop) publishTimeout(ctx context.Context, e ExpiredUnit) {
	if l.events == nil {
		return
	}
	err := l.events.Publish(ctx, Event{
		ID:         uuid.New().String(),
		Type:       EventTypeDeviceStatus,
		WorkItemID: e.WorkItemID,
		DeviceID:   e.DeviceID,
		After:      string(DeviceStatusTimedOut),
		Timestamp:  l.now().UTC(),
	})
	if err != nil {
		l.log.WithError(err).Debug("event publish failed")
	}
}
