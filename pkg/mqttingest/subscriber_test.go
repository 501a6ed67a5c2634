package mqttingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fleetwork/fleetwork/pkg/engine"
	"github.com/fleetwork/fleetwork/pkg/registry"
	"github.com/fleetwork/fleetwork/pkg/stores"
)

type fixedPolicies struct{}

func (fixedPolicies) Lookup(string) (engine.PolicySnapshot, error) {
	return engine.PolicySnapshot{
		Strategy:         engine.StrategyImmediate,
		FailureThreshold: 0.5,
		DeviceTimeout:    15 * time.Minute,
	}, nil
}

func (fixedPolicies) Match(string, string) (engine.PolicySnapshot, bool) {
	return engine.PolicySnapshot{}, false
}

// fakeMessage implements mqtt.Message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func setupSubscriber(t *testing.T) (*Subscriber, *stores.SQLiteStore, string) {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.NewStaticRegistry([]engine.Device{
		{ID: "dev-1", Name: "edge-1", Active: true},
	})
	orch := engine.NewOrchestrator(store, reg, fixedPolicies{}, nil, nil, nil, nil)
	ingest := engine.NewIngestor(store, orch, nil, nil, nil, nil)

	payload, _ := json.Marshal(engine.JobPayload{Command: "reboot"})
	item, err := orch.CreateWorkItem(ctx, engine.CreateRequest{
		Kind:       engine.WorkItemKindJob,
		Payload:    payload,
		TargetSpec: engine.TargetSpec{DeviceIDs: []string{"dev-1"}},
	})
	if err != nil {
		t.Fatalf("failed to create work item: %v", err)
	}

	// Dispatch the unit so terminal reports are valid transitions.
	polls := engine.NewPollHandler(store, nil, nil, nil)
	if _, err := polls.Next(ctx, "dev-1"); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	sub := NewSubscriber(Config{TopicPrefix: "fleet/devices"}, ingest, nil)
	return sub, store, item.ID
}

func TestHandleMessageAppliesReport(t *testing.T) {
	sub, store, itemID := setupSubscriber(t)

	payload, _ := json.Marshal(map[string]string{
		"work_item_id": itemID,
		"status":       "succeeded",
	})
	sub.handleMessage(nil, &fakeMessage{
		topic:   "fleet/devices/dev-1/status",
		payload: payload,
	})

	unit, err := store.GetDeviceStatus(context.Background(), itemID, "dev-1")
	if err != nil {
		t.Fatalf("failed to read unit: %v", err)
	}
	if unit.Status != engine.DeviceStatusSucceeded {
		t.Errorf("expected succeeded, got %s", unit.Status)
	}
}

func TestHandleMessageDropsBadPayloads(t *testing.T) {
	sub, store, itemID := setupSubscriber(t)

	// Malformed JSON, missing work item id, wrong topic shape: all dropped
	// without touching the unit.
	sub.handleMessage(nil, &fakeMessage{
		topic:   "fleet/devices/dev-1/status",
		payload: []byte("{not json"),
	})
	sub.handleMessage(nil, &fakeMessage{
		topic:   "fleet/devices/dev-1/status",
		payload: []byte(`{"status":"succeeded"}`),
	})
	good, _ := json.Marshal(map[string]string{"work_item_id": itemID, "status": "succeeded"})
	sub.handleMessage(nil, &fakeMessage{
		topic:   "other/dev-1/status",
		payload: good,
	})

	unit, err := store.GetDeviceStatus(context.Background(), itemID, "dev-1")
	if err != nil {
		t.Fatalf("failed to read unit: %v", err)
	}
	if unit.Status != engine.DeviceStatusDispatched {
		t.Errorf("expected unit to stay dispatched, got %s", unit.Status)
	}
}

func TestDeviceFromTopic(t *testing.T) {
	tests := []struct {
		topic  string
		prefix string
		device string
		ok     bool
	}{
		{"fleet/devices/dev-1/status", "fleet/devices", "dev-1", true},
		{"fleet/devices/dev-1/telemetry", "fleet/devices", "", false},
		{"fleet/devices//status", "fleet/devices", "", false},
		{"fleet/devices/a/b/status", "fleet/devices", "", false},
		{"other/dev-1/status", "fleet/devices", "", false},
	}
	for _, tt := range tests {
		device, ok := deviceFromTopic(tt.topic, tt.prefix)
		if ok != tt.ok || device != tt.device {
			t.Errorf("deviceFromTopic(%q, %q) = (%q, %v), want (%q, %v)",
				tt.topic, tt.prefix, device, ok, tt.device, tt.ok)
		}
	}
}
