package engine

// HealthDecision is the health evaluator's verdict for a batch.
type HealthDecision string

const (
	// DecisionWait indicates the batch has non-terminal units; keep
	// monitoring.
	DecisionWait HealthDecision = "wait"

	// DecisionAdvance indicates the batch passed the health gate and a
	// later batch remains.
	DecisionAdvance HealthDecision = "advance"

	// DecisionComplete indicates the final batch passed the health gate.
	DecisionComplete HealthDecision = "complete"

	// DecisionPause indicates the failure threshold was exceeded with
	// auto-rollback disabled.
	DecisionPause HealthDecision = "pause"

	// DecisionRollback indicates the failure threshold was exceeded with
	// auto-rollback enabled.
	DecisionRollback HealthDecision = "rollback"
)

// HealthEvaluator decides whether a campaign advances, pauses, or rolls back
// based on one batch's outcomes.
//
// Evaluation is a pure function of (policy, outcome, position) so repeated
// runs over an already-resolved batch reach the same verdict; the orchestrator
// applies verdicts through conditional transitions, which makes the whole
// pass idempotent under concurrent evaluation.
type HealthEvaluator struct{}

// NewHealthEvaluator creates a health evaluator.
func NewHealthEvaluator() *HealthEvaluator {
	return &HealthEvaluator{}
}

// Evaluate returns the verdict for a batch. The failure rate is
// failed / (succeeded + failed): timed-out and rejected units count as
// failures, canceled units count toward neither side. Batches are only
// judged once fully terminal; until then the verdict is wait.
func (h *HealthEvaluator) Evaluate(policy PolicySnapshot, outcome BatchOutcome, lastBatch bool) HealthDecision {
	if !outcome.Terminal() {
		return DecisionWait
	}

	if outcome.FailureRate() > policy.FailureThreshold {
		if policy.AutoRollback {
			return DecisionRollback
		}
		return DecisionPause
	}

	if lastBatch {
		return DecisionComplete
	}
	return DecisionAdvance
}
