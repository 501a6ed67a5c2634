package engine

import (
	"context"
)

// TargetResolver turns a target specification into a concrete, deduplicated,
// stably ordered device-id list at work item creation time. The snapshot is
// immutable: later registry changes never mutate an in-flight work item.
type TargetResolver struct {
	registry DeviceRegistry
}

// NewTargetResolver creates a resolver over the given registry.
func NewTargetResolver(registry DeviceRegistry) *TargetResolver {
	return &TargetResolver{registry: registry}
}

// Resolve resolves the spec against the registry. Explicit device ids keep
// their submitted order; ids the registry does not know are dropped from the
// snapshot. Selector and all-device specs use the registry's stable order.
// An empty resolution is not an error: the caller creates a work item that
// completes immediately with zero targets.
//
// No lock is held across the registry lookup; results are copied into a
// fresh slice before returning.
func (r *TargetResolver) Resolve(ctx context.Context, spec TargetSpec) ([]string, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var devices []Device
	var err error

	switch {
	case len(spec.DeviceIDs) > 0:
		ids := dedupe(spec.DeviceIDs)
		devices, err = r.registry.Get(ctx, ids)
		if err != nil {
			return nil, NewTransientError("device registry lookup failed", err)
		}
		return orderByRequest(ids, devices), nil

	case len(spec.Selector) > 0:
		devices, err = r.registry.Select(ctx, spec.Selector)

	default: // All
		devices, err = r.registry.ListActive(ctx)
	}

	if err != nil {
		return nil, NewTransientError("device registry lookup failed", err)
	}

	out := make([]string, 0, len(devices))
	seen := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		out = append(out, d.ID)
	}
	return out, nil
}

// dedupe removes duplicates preserving first occurrence order.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// orderByRequest returns the requested ids, in request order, restricted to
// those the registry confirmed.
func orderByRequest(requested []string, known []Device) []string {
	exists := make(map[string]struct{}, len(known))
	for _, d := range known {
		exists[d.ID] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, id := range requested {
		if _, ok := exists[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
