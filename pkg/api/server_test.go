package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetwork/fleetwork/pkg/engine"
	"github.com/fleetwork/fleetwork/pkg/registry"
	"github.com/fleetwork/fleetwork/pkg/stores"
)

// testPolicies is a fixed policy set: every lookup returns an immediate
// strategy, and Match fires only for the configured repository.
type testPolicies struct {
	matchRepo string
}

func (p testPolicies) Lookup(string) (engine.PolicySnapshot, error) {
	return engine.PolicySnapshot{
		Strategy:         engine.StrategyImmediate,
		FailureThreshold: 0.5,
		DeviceTimeout:    15 * time.Minute,
	}, nil
}

func (p testPolicies) Match(repository, _ string) (engine.PolicySnapshot, bool) {
	if repository != p.matchRepo {
		return engine.PolicySnapshot{}, false
	}
	snap, _ := p.Lookup("")
	snap.Name = "push-rollout"
	return snap, true
}

func setupTestServer(t *testing.T) *httptest.Server {
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
		{ID: "dev-1", Name: "edge-1", Labels: map[string]string{"site": "lab"}, Active: true},
		{ID: "dev-2", Name: "edge-2", Labels: map[string]string{"site": "lab"}, Active: true},
	})

	policies := testPolicies{matchRepo: "registry.local/sensor-agent"}
	orch := engine.NewOrchestrator(store, reg, policies, nil, nil, nil, nil)
	polls := engine.NewPollHandler(store, nil, nil, nil)
	ingest := engine.NewIngestor(store, orch, nil, nil, nil, nil)

	srv := NewServer(":0", orch, polls, ingest, store, policies, nil, nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func createJob(t *testing.T, ts *httptest.Server) *engine.WorkItem {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/v1/workitems", map[string]interface{}{
		"kind":        "job",
		"payload":     map[string]string{"command": "systemctl restart agent"},
		"target_spec": map[string]interface{}{"device_ids": []string{"dev-1", "dev-2"}},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var item engine.WorkItem
	decodeBody(t, resp, &item)
	if item.ID == "" {
		t.Fatal("expected a work item id")
	}
	return &item
}

func TestCreateAndGetWorkItem(t *testing.T) {
	ts := setupTestServer(t)
	item := createJob(t, ts)

	resp, err := http.Get(ts.URL + "/api/v1/workitems/" + item.ID)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got engine.WorkItem
	decodeBody(t, resp, &got)
	if got.ID != item.ID {
		t.Errorf("expected id %s, got %s", item.ID, got.ID)
	}
	// Immediate strategy with an elapsed not-before goes straight to
	// monitoring on the creation evaluation pass.
	if got.Status != engine.WorkItemStatusMonitoring {
		t.Errorf("expected monitoring, got %s", got.Status)
	}

	resp, err = http.Get(ts.URL + "/api/v1/workitems/no-such-id")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateWorkItemValidation(t *testing.T) {
	ts := setupTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/workitems", map[string]interface{}{
		"kind":        "teleport",
		"payload":     map[string]string{"command": "x"},
		"target_spec": map[string]interface{}{"all": true},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown kind, got %d", resp.StatusCode)
	}

	resp, err := http.Post(ts.URL+"/api/v1/workitems", "application/json",
		bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
}

func TestPollAndReport(t *testing.T) {
	ts := setupTestServer(t)
	item := createJob(t, ts)

	// First poll dispatches a unit.
	resp := postJSON(t, ts.URL+"/api/v1/devices/dev-1/next", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var unit engine.WorkUnit
	decodeBody(t, resp, &unit)
	if unit.WorkItemID != item.ID {
		t.Errorf("expected work item %s, got %s", item.ID, unit.WorkItemID)
	}

	// A repeat poll before reporting re-delivers the same unit.
	resp = postJSON(t, ts.URL+"/api/v1/devices/dev-1/next", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on re-poll, got %d", resp.StatusCode)
	}
	var again engine.WorkUnit
	decodeBody(t, resp, &again)
	if again.WorkItemID != unit.WorkItemID {
		t.Errorf("expected re-delivery of %s, got %s", unit.WorkItemID, again.WorkItemID)
	}

	statusURL := fmt.Sprintf("%s/api/v1/workitems/%s/devices/dev-1/status", ts.URL, item.ID)
	resp = postJSON(t, statusURL, map[string]string{"status": "succeeded"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	// Terminal unit with nothing else pending for this device.
	resp = postJSON(t, ts.URL+"/api/v1/devices/dev-1/next", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204 after completion, got %d", resp.StatusCode)
	}

	// Conflicting terminal outcome is rejected.
	resp = postJSON(t, statusURL, map[string]string{"status": "failed", "error_detail": "late"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for conflicting report, got %d", resp.StatusCode)
	}

	// Unknown device row is a 404.
	resp = postJSON(t, fmt.Sprintf("%s/api/v1/workitems/%s/devices/ghost/status", ts.URL, item.ID),
		map[string]string{"status": "succeeded"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown device, got %d", resp.StatusCode)
	}
}

func TestListDevices(t *testing.T) {
	ts := setupTestServer(t)
	item := createJob(t, ts)

	resp, err := http.Get(ts.URL + "/api/v1/workitems/" + item.ID + "/devices")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var units []*engine.DeviceWorkStatus
	decodeBody(t, resp, &units)
	if len(units) != 2 {
		t.Errorf("expected 2 device rows, got %d", len(units))
	}

	resp, err = http.Get(ts.URL + "/api/v1/workitems/no-such-id/devices")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCancelIdempotent(t *testing.T) {
	ts := setupTestServer(t)
	item := createJob(t, ts)
	cancelURL := ts.URL + "/api/v1/workitems/" + item.ID + "/cancel"

	resp := postJSON(t, cancelURL, map[string]string{"reason": "bad build"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	// Cancel of an already terminal work item stays a 202.
	resp = postJSON(t, cancelURL, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected idempotent 202, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/v1/workitems/no-such-id/cancel", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestResumeRequiresPaused(t *testing.T) {
	ts := setupTestServer(t)
	item := createJob(t, ts)

	resp := postJSON(t, ts.URL+"/api/v1/workitems/"+item.ID+"/resume", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for non-paused work item, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/v1/workitems/no-such-id/resume", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListWorkItems(t *testing.T) {
	ts := setupTestServer(t)
	createJob(t, ts)
	createJob(t, ts)

	resp, err := http.Get(ts.URL + "/api/v1/workitems?limit=1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var page listResponse
	decodeBody(t, resp, &page)
	if len(page.WorkItems) != 1 {
		t.Errorf("expected 1 work item, got %d", len(page.WorkItems))
	}
	if page.Limit != 1 {
		t.Errorf("expected limit 1, got %d", page.Limit)
	}

	resp, err = http.Get(ts.URL + "/api/v1/workitems?limit=1&offset=1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var rest listResponse
	decodeBody(t, resp, &rest)
	if len(rest.WorkItems) != 1 {
		t.Errorf("expected 1 work item on second page, got %d", len(rest.WorkItems))
	}
	if rest.WorkItems[0].ID == page.WorkItems[0].ID {
		t.Error("expected pagination to advance past the first item")
	}
}

func TestRegistryWebhook(t *testing.T) {
	ts := setupTestServer(t)
	hookURL := ts.URL + "/api/v1/webhooks/registry"

	resp := postJSON(t, hookURL, map[string]string{
		"repository": "registry.local/sensor-agent",
		"tag":        "v2.4.0",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var matched struct {
		Matched    bool   `json:"matched"`
		WorkItemID string `json:"work_item_id"`
	}
	decodeBody(t, resp, &matched)
	if !matched.Matched || matched.WorkItemID == "" {
		t.Fatalf("expected a matched rollout, got %+v", matched)
	}

	resp, err := http.Get(ts.URL + "/api/v1/workitems/" + matched.WorkItemID)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var item engine.WorkItem
	decodeBody(t, resp, &item)
	if item.Kind != engine.WorkItemKindRollout {
		t.Errorf("expected rollout kind, got %s", item.Kind)
	}

	// Unmatched pushes are acknowledged without creating work.
	resp = postJSON(t, hookURL, map[string]string{
		"repository": "registry.local/unrelated",
		"tag":        "v1.0.0",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var noop struct {
		Matched bool `json:"matched"`
	}
	decodeBody(t, resp, &noop)
	if noop.Matched {
		t.Error("expected no match for unknown repository")
	}

	resp = postJSON(t, hookURL, map[string]string{"repository": ""})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing fields, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
