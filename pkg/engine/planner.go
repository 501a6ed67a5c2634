package engine

import (
	"fmt"
	"time"
)

// BatchPlanner partitions a resolved target list into ordered batches.
//
// Partition order over the device list is the resolver's stable order. This
// is a deliberate simplification: there is no canary-aware device selection,
// batch membership is purely positional.
type BatchPlanner struct{}

// NewBatchPlanner creates a batch planner.
func NewBatchPlanner() *BatchPlanner {
	return &BatchPlanner{}
}

// Plan builds the batch plan for the given targets under the policy snapshot.
//
// Immediate strategy yields a single batch of all devices with not-before =
// createdAt. Staged strategy slices by cumulative percentage boundaries:
// batch i covers the index range [floor(total*cumPct[i-1]/100),
// floor(total*cumPct[i]/100)), with the rounding remainder folded into the
// final batch, so every device appears in exactly one batch and the union is
// the full list. Batch i's not-before is createdAt + i * batch delay.
//
// Batch 0 always exists, even for an empty target list (it is then empty and
// the work item completes immediately).
func (p *BatchPlanner) Plan(targets []string, policy PolicySnapshot, createdAt time.Time) ([]Batch, error) {
	if policy.Strategy == StrategyImmediate {
		return []Batch{{Index: 0, DeviceIDs: copyIDs(targets), NotBefore: createdAt}}, nil
	}

	percents := policy.BatchPercents
	if err := validatePercents(percents); err != nil {
		return nil, err
	}

	total := len(targets)
	batches := make([]Batch, 0, len(percents))
	prev := 0
	for i, pct := range percents {
		hi := total * pct / 100
		if i == len(percents)-1 {
			// Final boundary is always 100; assign the remainder here so
			// the union is exhaustive regardless of rounding.
			hi = total
		}
		batches = append(batches, Batch{
			Index:     i,
			DeviceIDs: copyIDs(targets[prev:hi]),
			NotBefore: createdAt.Add(time.Duration(i) * policy.BatchDelay),
		})
		prev = hi
	}
	return batches, nil
}

// validatePercents checks that the boundaries are strictly increasing values
// in (0, 100] ending at 100.
func validatePercents(percents []int) error {
	if len(percents) == 0 {
		return NewValidationError("staged strategy requires batch percents", nil)
	}
	prev := 0
	for _, pct := range percents {
		if pct <= prev || pct > 100 {
			return NewValidationError(
				fmt.Sprintf("batch percents must be strictly increasing in (0, 100], got %v", percents), nil)
		}
		prev = pct
	}
	if percents[len(percents)-1] != 100 {
		return NewValidationError("final batch percent must be 100", nil)
	}
	return nil
}

func copyIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
