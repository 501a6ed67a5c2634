package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwork/fleetwork/pkg/telemetry"
)

// CreateRequest is an administrative request to start a campaign.
type CreateRequest struct {
	// Kind is the campaign kind.
	Kind WorkItemKind `json:"kind"`

	// Payload is the kind-dependent work document.
	Payload json.RawMessage `json:"payload"`

	// TargetSpec selects the devices to drive.
	TargetSpec TargetSpec `json:"target_spec"`

	// PolicyName names the governing policy; empty selects the default.
	PolicyName string `json:"policy,omitempty"`

	// Strategy optionally overrides the policy's strategy.
	Strategy *Strategy `json:"strategy,omitempty"`
}

// Orchestrator owns the work item lifecycle. It creates campaigns, applies
// administrative commands, and drives the state machine through Evaluate,
// the idempotent re-entrant step invoked from status ingest callbacks and
// the periodic control loop.
type Orchestrator struct {
	store    Store
	resolver *TargetResolver
	planner  *BatchPlanner
	policies PolicyLookup
	events   EventPublisher
	health   *HealthEvaluator
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator over the given collaborators.
func NewOrchestrator(
	store Store,
	registry DeviceRegistry,
	policies PolicyLookup,
	events EventPublisher,
	log *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) *Orchestrator {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Orchestrator{
		store:    store,
		resolver: NewTargetResolver(registry),
		planner:  NewBatchPlanner(),
		policies: policies,
		events:   events,
		health:   NewHealthEvaluator(),
		log:      log.NewComponentLogger("orchestrator"),
		metrics:  metrics,
		tracer:   tracer,
		now:      time.Now,
	}
}

// CreateWorkItem validates the request, resolves targets, snapshots the
// governing policy, plans batches, and persists the new campaign. The
// resolved target list and policy snapshot are fixed here for the work item's
// whole life. Returns the created work item after the first evaluation pass
// (a zero-target resolution completes immediately).
func (o *Orchestrator) CreateWorkItem(ctx context.Context, req CreateRequest) (*WorkItem, error) {
	if err := req.Kind.Validate(); err != nil {
		return nil, err
	}
	if err := validatePayload(req.Kind, req.Payload); err != nil {
		return nil, err
	}
	if err := req.TargetSpec.Validate(); err != nil {
		return nil, err
	}

	policy, err := o.policies.Lookup(req.PolicyName)
	if err != nil {
		return nil, NewValidationError("unknown policy "+req.PolicyName, err).WithCode(ErrCodeUnknownPolicy)
	}
	if req.Strategy != nil {
		if err := req.Strategy.Validate(); err != nil {
			return nil, err
		}
		policy.Strategy = *req.Strategy
	}
	if policy.Strategy == StrategyStaged && len(policy.BatchPercents) == 0 {
		policy.BatchPercents = []int{100}
	}

	targets, err := o.resolver.Resolve(ctx, req.TargetSpec)
	if err != nil {
		return nil, err
	}

	createdAt := o.now().UTC()
	plan, err := o.planner.Plan(targets, policy, createdAt)
	if err != nil {
		return nil, err
	}

	item := &WorkItem{
		ID:              uuid.New().String(),
		Kind:            req.Kind,
		Payload:         req.Payload,
		TargetSpec:      req.TargetSpec,
		ResolvedTargets: targets,
		Policy:          policy,
		BatchPlan:       plan,
		Status:          WorkItemStatusCreated,
		Counters:        Counters{Total: len(targets), Pending: len(targets)},
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}

	units := make([]*DeviceWorkStatus, 0, len(targets))
	for _, b := range plan {
		for _, deviceID := range b.DeviceIDs {
			units = append(units, &DeviceWorkStatus{
				WorkItemID: item.ID,
				DeviceID:   deviceID,
				BatchIndex: b.Index,
				Status:     DeviceStatusPending,
				CreatedAt:  createdAt,
				UpdatedAt:  createdAt,
			})
		}
	}

	if err := o.store.CreateWorkItem(ctx, item, units); err != nil {
		return nil, err
	}

	o.metrics.WorkItemCreated(string(req.Kind))
	o.publish(ctx, Event{
		Type:       EventTypeWorkItemCreated,
		WorkItemID: item.ID,
		After:      string(item.Status),
		Data: map[string]interface{}{
			"kind":    string(item.Kind),
			"targets": len(targets),
			"batches": len(plan),
		},
	})
	o.log.WithWorkItem(item.ID).
		WithField("kind", string(item.Kind)).
		WithField("targets", len(targets)).
		Info("work item created")

	if err := o.Evaluate(ctx, item.ID); err != nil {
		o.log.WithWorkItem(item.ID).WithError(err).Warn("initial evaluation failed")
	}
	return o.store.GetWorkItem(ctx, item.ID)
}

// Evaluate advances a work item's state machine as far as current facts
// allow. It is idempotent and safe to run concurrently: every transition is
// conditional on the observed status, so of two racing evaluators exactly
// one wins each step and the other observes a no-op.
func (o *Orchestrator) Evaluate(ctx context.Context, workItemID string) error {
	ctx, span := o.tracer.StartEvaluationSpan(ctx, workItemID)
	err := o.evaluate(ctx, workItemID)
	telemetry.EndSpan(span, err)
	return err
}

func (o *Orchestrator) evaluate(ctx context.Context, workItemID string) error {
	item, err := o.store.GetWorkItem(ctx, workItemID)
	if err != nil {
		return err
	}

	switch item.Status {
	case WorkItemStatusCreated:
		return o.start(ctx, item)
	case WorkItemStatusDispatching:
		return o.tryOpenBatch(ctx, item)
	case WorkItemStatusMonitoring:
		return o.judgeBatch(ctx, item)
	default:
		// Paused and terminal states advance only by administrative action.
		return nil
	}
}

// start moves a created work item into its first batch, or straight to
// completed when the target resolution was empty.
func (o *Orchestrator) start(ctx context.Context, item *WorkItem) error {
	if len(item.ResolvedTargets) == 0 {
		ok, err := o.store.TransitionWorkItem(ctx, item.ID,
			WorkItemStatusCreated, WorkItemStatusCompleted, WorkItemUpdate{})
		if err != nil || !ok {
			return err
		}
		o.finished(ctx, item.ID, WorkItemStatusCreated, WorkItemStatusCompleted)
		return nil
	}

	batch := 0
	ok, err := o.store.TransitionWorkItem(ctx, item.ID,
		WorkItemStatusCreated, WorkItemStatusDispatching, WorkItemUpdate{CurrentBatch: &batch})
	if err != nil || !ok {
		return err
	}
	item.Status = WorkItemStatusDispatching
	item.CurrentBatch = 0
	return o.tryOpenBatch(ctx, item)
}

// tryOpenBatch moves a dispatching work item to monitoring once the current
// batch's not-before time has elapsed. Devices self-serve units from then on.
func (o *Orchestrator) tryOpenBatch(ctx context.Context, item *WorkItem) error {
	batch := item.CurrentBatchPlan()
	if batch == nil {
		return o.fail(ctx, item, "batch plan has no entry for current batch")
	}
	if o.now().Before(batch.NotBefore) {
		return nil
	}

	ok, err := o.store.TransitionWorkItem(ctx, item.ID,
		WorkItemStatusDispatching, WorkItemStatusMonitoring, WorkItemUpdate{})
	if err != nil || !ok {
		return err
	}

	o.publish(ctx, Event{
		Type:       EventTypeBatchDispatched,
		WorkItemID: item.ID,
		After:      string(WorkItemStatusMonitoring),
		Data: map[string]interface{}{
			"batch_index": batch.Index,
			"batch_size":  len(batch.DeviceIDs),
		},
	})
	o.log.WithWorkItem(item.ID).
		WithField("batch_index", batch.Index).
		WithField("batch_size", len(batch.DeviceIDs)).
		Info("batch open for dispatch")

	// The batch may already be fully terminal: it can be empty (rounding on
	// tiny fleets), or devices may have self-served and reported during the
	// delay window. Judging a non-terminal batch is a no-op.
	item.Status = WorkItemStatusMonitoring
	return o.judgeBatch(ctx, item)
}

// judgeBatch runs the health evaluator over the current batch and applies
// its verdict.
func (o *Orchestrator) judgeBatch(ctx context.Context, item *WorkItem) error {
	outcome, err := o.store.BatchOutcome(ctx, item.ID, item.CurrentBatch)
	if err != nil {
		return err
	}

	lastBatch := item.CurrentBatch >= len(item.BatchPlan)-1
	decision := o.health.Evaluate(item.Policy, outcome, lastBatch)

	switch decision {
	case DecisionWait:
		return nil

	case DecisionComplete:
		ok, err := o.store.TransitionWorkItem(ctx, item.ID,
			WorkItemStatusMonitoring, WorkItemStatusCompleted, WorkItemUpdate{})
		if err != nil || !ok {
			return err
		}
		o.finished(ctx, item.ID, WorkItemStatusMonitoring, WorkItemStatusCompleted)
		return nil

	case DecisionAdvance:
		next := item.CurrentBatch + 1
		ok, err := o.store.TransitionWorkItem(ctx, item.ID,
			WorkItemStatusMonitoring, WorkItemStatusDispatching, WorkItemUpdate{CurrentBatch: &next})
		if err != nil || !ok {
			return err
		}
		o.metrics.BatchAdvanced()
		item.Status = WorkItemStatusDispatching
		item.CurrentBatch = next
		return o.tryOpenBatch(ctx, item)

	case DecisionPause:
		ok, err := o.store.TransitionWorkItem(ctx, item.ID,
			WorkItemStatusMonitoring, WorkItemStatusPaused, WorkItemUpdate{})
		if err != nil || !ok {
			return err
		}
		o.metrics.WorkItemPaused()
		o.publish(ctx, Event{
			Type:       EventTypeWorkItemPaused,
			WorkItemID: item.ID,
			Before:     string(WorkItemStatusMonitoring),
			After:      string(WorkItemStatusPaused),
			Data: map[string]interface{}{
				"batch_index":  item.CurrentBatch,
				"failure_rate": outcome.FailureRate(),
				"threshold":    item.Policy.FailureThreshold,
			},
		})
		o.log.WithWorkItem(item.ID).
			WithField("batch_index", item.CurrentBatch).
			WithField("failure_rate", outcome.FailureRate()).
			Warn("failure threshold exceeded, campaign paused")
		return nil

	case DecisionRollback:
		ok, flipped, err := o.store.TerminateWorkItem(ctx, item.ID,
			WorkItemStatusMonitoring, WorkItemStatusRolledBack,
			"failure threshold exceeded", o.now().UTC())
		if err != nil || !ok {
			return err
		}
		o.metrics.WorkItemFinished(string(WorkItemStatusRolledBack))
		o.publish(ctx, Event{
			Type:       EventTypeWorkItemRolled,
			WorkItemID: item.ID,
			Before:     string(WorkItemStatusMonitoring),
			After:      string(WorkItemStatusRolledBack),
			Data: map[string]interface{}{
				"batch_index":    item.CurrentBatch,
				"failure_rate":   outcome.FailureRate(),
				"threshold":      item.Policy.FailureThreshold,
				"units_canceled": flipped,
			},
		})
		o.log.WithWorkItem(item.ID).
			WithField("batch_index", item.CurrentBatch).
			WithField("failure_rate", outcome.FailureRate()).
			Warn("failure threshold exceeded, campaign rolled back")
		return nil
	}
	return nil
}

// Cancel cancels a work item from any non-terminal state, flipping all its
// non-terminal units to canceled atomically with the work item transition.
// Canceling an already-terminal work item is an accepted no-op.
func (o *Orchestrator) Cancel(ctx context.Context, workItemID, reason string) error {
	for attempt := 0; attempt < 3; attempt++ {
		item, err := o.store.GetWorkItem(ctx, workItemID)
		if err != nil {
			return err
		}
		if item.Status.IsTerminal() {
			return nil
		}

		ok, flipped, err := o.store.TerminateWorkItem(ctx, workItemID,
			item.Status, WorkItemStatusCanceled, reason, o.now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			// Status moved under us; re-read and retry.
			continue
		}

		o.metrics.WorkItemFinished(string(WorkItemStatusCanceled))
		o.publish(ctx, Event{
			Type:       EventTypeWorkItemCanceled,
			WorkItemID: workItemID,
			Before:     string(item.Status),
			After:      string(WorkItemStatusCanceled),
			Data: map[string]interface{}{
				"reason":         reason,
				"units_canceled": flipped,
			},
		})
		o.log.WithWorkItem(workItemID).WithField("reason", reason).Info("work item canceled")
		return nil
	}
	return NewConflictError("work item status kept changing during cancel", nil).WithWorkItem(workItemID)
}

// Resume resumes a paused work item. If the current batch still has
// non-terminal units the work item re-enters monitoring of that batch;
// otherwise the paused verdict is overridden and the campaign advances past
// the failed batch (or completes if it was the last one).
func (o *Orchestrator) Resume(ctx context.Context, workItemID string) error {
	item, err := o.store.GetWorkItem(ctx, workItemID)
	if err != nil {
		return err
	}
	if item.Status != WorkItemStatusPaused {
		return NewConflictError("work item is not paused", nil).WithWorkItem(workItemID)
	}

	outcome, err := o.store.BatchOutcome(ctx, item.ID, item.CurrentBatch)
	if err != nil {
		return err
	}

	var ok bool
	switch {
	case !outcome.Terminal():
		ok, err = o.store.TransitionWorkItem(ctx, item.ID,
			WorkItemStatusPaused, WorkItemStatusMonitoring, WorkItemUpdate{})

	case item.CurrentBatch >= len(item.BatchPlan)-1:
		ok, err = o.store.TransitionWorkItem(ctx, item.ID,
			WorkItemStatusPaused, WorkItemStatusCompleted, WorkItemUpdate{})
		if ok && err == nil {
			o.finished(ctx, item.ID, WorkItemStatusPaused, WorkItemStatusCompleted)
		}

	default:
		next := item.CurrentBatch + 1
		ok, err = o.store.TransitionWorkItem(ctx, item.ID,
			WorkItemStatusPaused, WorkItemStatusDispatching, WorkItemUpdate{CurrentBatch: &next})
		if ok && err == nil {
			item.Status = WorkItemStatusDispatching
			item.CurrentBatch = next
			if openErr := o.tryOpenBatch(ctx, item); openErr != nil {
				o.log.WithWorkItem(item.ID).WithError(openErr).Warn("opening batch after resume failed")
			}
		}
	}
	if err != nil {
		return err
	}
	if !ok {
		return NewConflictError("work item is no longer paused", nil).WithWorkItem(workItemID)
	}

	o.publish(ctx, Event{
		Type:       EventTypeWorkItemResumed,
		WorkItemID: workItemID,
		Before:     string(WorkItemStatusPaused),
		Data:       map[string]interface{}{"batch_index": item.CurrentBatch},
	})
	o.log.WithWorkItem(workItemID).Info("work item resumed")
	return nil
}

// fail moves a work item to failed after an unrecoverable engine-side error.
func (o *Orchestrator) fail(ctx context.Context, item *WorkItem, reason string) error {
	ok, _, err := o.store.TerminateWorkItem(ctx, item.ID,
		item.Status, WorkItemStatusFailed, reason, o.now().UTC())
	if err != nil || !ok {
		return err
	}
	o.metrics.WorkItemFinished(string(WorkItemStatusFailed))
	o.publish(ctx, Event{
		Type:       EventTypeWorkItemFailed,
		WorkItemID: item.ID,
		Before:     string(item.Status),
		After:      string(WorkItemStatusFailed),
		Data:       map[string]interface{}{"reason": reason},
	})
	o.log.WithWorkItem(item.ID).WithField("reason", reason).Error("work item failed")
	return NewInternalError(reason, nil).WithWorkItem(item.ID)
}

// finished emits the completion event and metric for a terminal transition.
func (o *Orchestrator) finished(ctx context.Context, workItemID string, before, after WorkItemStatus) {
	o.metrics.WorkItemFinished(string(after))
	o.publish(ctx, Event{
		Type:       EventTypeWorkItemCompleted,
		WorkItemID: workItemID,
		Before:     string(before),
		After:      string(after),
	})
	o.log.WithWorkItem(workItemID).Info("work item completed")
}

// publish emits a domain event, stamping id and timestamp. Emission is
// fire-and-forget; failures are logged and never affect engine state.
func (o *Orchestrator) publish(ctx context.Context, event Event) {
	if o.events == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = o.now().UTC()
	}
	if err := o.events.Publish(ctx, event); err != nil {
		o.log.WithError(err).WithField("event_type", event.Type).Debug("event publish failed")
	}
}

// validatePayload checks the kind-dependent payload document.
func validatePayload(kind WorkItemKind, payload json.RawMessage) error {
	if len(payload) == 0 {
		return NewValidationError("payload is required", nil)
	}
	switch kind {
	case WorkItemKindJob:
		var job JobPayload
		if err := json.Unmarshal(payload, &job); err != nil {
			return NewValidationError("malformed job payload", err)
		}
		if job.Command == "" {
			return NewValidationError("job payload requires a command", nil)
		}
	case WorkItemKindRollout:
		var change ImageChange
		if err := json.Unmarshal(payload, &change); err != nil {
			return NewValidationError("malformed image change payload", err)
		}
		if change.Repository == "" || change.ToTag == "" {
			return NewValidationError("image change requires repository and to_tag", nil)
		}
	}
	return nil
}
