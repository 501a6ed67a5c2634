package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock shared by all engine components in
// a test harness.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type mockRegistry struct {
	devices []Device
	err     error
}

func (r *mockRegistry) Get(_ context.Context, ids []string) ([]Device, error) {
	if r.err != nil {
		return nil, r.err
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := []Device{}
	for _, d := range r.devices {
		if _, ok := want[d.ID]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *mockRegistry) Select(_ context.Context, selector map[string]string) ([]Device, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := []Device{}
	for _, d := range r.devices {
		if !d.Active {
			continue
		}
		match := true
		for k, v := range selector {
			if d.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *mockRegistry) ListActive(_ context.Context) ([]Device, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := []Device{}
	for _, d := range r.devices {
		if d.Active {
			out = append(out, d)
		}
	}
	return out, nil
}

type mockPolicies struct {
	snap PolicySnapshot
	err  error
}

func (p *mockPolicies) Lookup(string) (PolicySnapshot, error) {
	if p.err != nil {
		return PolicySnapshot{}, p.err
	}
	return p.snap, nil
}

func (p *mockPolicies) Match(string, string) (PolicySnapshot, bool) {
	return PolicySnapshot{}, false
}

// captureEvents records published domain events for assertions.
type captureEvents struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureEvents) Publish(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureEvents) ofType(eventType string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []Event{}
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// harness wires the engine components over the in-memory store with a fake
// clock.
type harness struct {
	store  *memStore
	orch   *Orchestrator
	polls  *PollHandler
	ingest *Ingestor
	loop   *ControlLoop
	clock  *fakeClock
	events *captureEvents
}

func newHarness(t *testing.T, devices []Device, policy PolicySnapshot) *harness {
	t.Helper()

	clock := newFakeClock()
	store := newMemStore()
	events := &captureEvents{}
	reg := &mockRegistry{devices: devices}

	orch := NewOrchestrator(store, reg, &mockPolicies{snap: policy}, events, nil, nil, nil)
	orch.now = clock.Now

	polls := NewPollHandler(store, events, nil, nil)
	polls.now = clock.Now

	ingest := NewIngestor(store, orch, events, nil, nil, nil)
	ingest.now = clock.Now

	loop := NewControlLoop(store, orch, events, nil, nil, time.Second)
	loop.now = clock.Now

	return &harness{
		store:  store,
		orch:   orch,
		polls:  polls,
		ingest: ingest,
		loop:   loop,
		clock:  clock,
		events: events,
	}
}

// fleet returns n active devices dev-0..dev-n-1.
func fleet(n int) []Device {
	out := make([]Device, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Device{
			ID:     deviceID(i),
			Name:   "edge-" + deviceID(i),
			Active: true,
		})
	}
	return out
}

func deviceID(i int) string {
	return "dev-" + string(rune('a'+i))
}

func jobRequest(deviceIDs ...string) CreateRequest {
	payload, _ := json.Marshal(JobPayload{Command: "systemctl restart agent"})
	spec := TargetSpec{All: true}
	if len(deviceIDs) > 0 {
		spec = TargetSpec{DeviceIDs: deviceIDs}
	}
	return CreateRequest{
		Kind:       WorkItemKindJob,
		Payload:    payload,
		TargetSpec: spec,
	}
}

// pollAndReport drives one device through dispatch and a terminal report.
func (h *harness) pollAndReport(t *testing.T, deviceID string, status DeviceStatus) {
	t.Helper()
	ctx := context.Background()

	unit, err := h.polls.Next(ctx, deviceID)
	if err != nil {
		t.Fatalf("poll for %s failed: %v", deviceID, err)
	}
	if unit == nil {
		t.Fatalf("expected a unit for %s", deviceID)
	}
	if err := h.ingest.Report(ctx, unit.WorkItemID, deviceID, StatusReport{Status: status}); err != nil {
		t.Fatalf("report for %s failed: %v", deviceID, err)
	}
}

func (h *harness) mustGet(t *testing.T, id string) *WorkItem {
	t.Helper()
	item, err := h.store.GetWorkItem(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get work item: %v", err)
	}
	return item
}
