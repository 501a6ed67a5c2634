package registry

import (
	"context"

	"github.com/fleetwork/fleetwork/pkg/engine"
)

// StaticRegistry serves a fixed device list. Its stable order is the
// insertion order, which makes batch plans reproducible in tests.
type StaticRegistry struct {
	devices []engine.Device
	byID    map[string]engine.Device
}

// NewStaticRegistry creates a registry over a fixed device list.
func NewStaticRegistry(devices []engine.Device) *StaticRegistry {
	byID := make(map[string]engine.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}
	return &StaticRegistry{
		devices: append([]engine.Device(nil), devices...),
		byID:    byID,
	}
}

// Get returns the records for the given ids. Unknown ids are omitted.
func (r *StaticRegistry) Get(_ context.Context, ids []string) ([]engine.Device, error) {
	out := make([]engine.Device, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// Select returns active devices whose labels match every selector pair.
func (r *StaticRegistry) Select(_ context.Context, selector map[string]string) ([]engine.Device, error) {
	out := []engine.Device{}
	for _, d := range r.devices {
		if d.Active && labelsMatch(d.Labels, selector) {
			out = append(out, d)
		}
	}
	return out, nil
}

// ListActive returns all active devices.
func (r *StaticRegistry) ListActive(_ context.Context) ([]engine.Device, error) {
	out := []engine.Device{}
	for _, d := range r.devices {
		if d.Active {
			out = append(out, d)
		}
	}
	return out, nil
}

func labelsMatch(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}
