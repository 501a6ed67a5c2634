package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetwork/fleetwork/pkg/engine"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}
	return path
}

const testPolicies = `
default: canary
policies:
  - name: canary
    repository: "registry.local/sensor-*"
    tag: "v*"
    strategy: staged
    batch_percents: [10, 50, 100]
    batch_delay: 5m
    failure_threshold: 0.2
    auto_rollback: true
    device_timeout: 15m
    enabled: true
  - name: hotfix
    repository: "registry.local/*"
    tag: "hotfix-*"
    strategy: immediate
    failure_threshold: 0.5
    device_timeout: 10m
    enabled: true
  - name: retired
    repository: "*"
    strategy: immediate
    failure_threshold: 0.5
    device_timeout: 10m
    enabled: false
`

func TestPolicyStoreLookup(t *testing.T) {
	store, err := NewPolicyStore(writePolicyFile(t, testPolicies), nil)
	if err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}

	snap, err := store.Lookup("canary")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if snap.Strategy != engine.StrategyStaged {
		t.Errorf("expected staged, got %s", snap.Strategy)
	}
	if len(snap.BatchPercents) != 3 || snap.BatchPercents[2] != 100 {
		t.Errorf("unexpected batch percents: %v", snap.BatchPercents)
	}
	if snap.BatchDelay != 5*time.Minute {
		t.Errorf("expected 5m delay, got %s", snap.BatchDelay)
	}
	if !snap.AutoRollback {
		t.Error("expected auto rollback")
	}

	// Empty name resolves the file's default.
	snap, err = store.Lookup("")
	if err != nil {
		t.Fatalf("default lookup failed: %v", err)
	}
	if snap.Name != "canary" {
		t.Errorf("expected default canary, got %q", snap.Name)
	}

	_, err = store.Lookup("nope")
	if err == nil {
		t.Fatal("expected error for unknown policy")
	}
	if !engine.IsValidation(err) {
		t.Errorf("expected validation classification, got %v", err)
	}
}

func TestPolicyStoreBuiltinDefault(t *testing.T) {
	store, err := NewPolicyStore(writePolicyFile(t, `policies: []`), nil)
	if err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}

	snap, err := store.Lookup("")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if snap.Strategy != engine.StrategyImmediate {
		t.Errorf("expected immediate built-in default, got %s", snap.Strategy)
	}
	if snap.DeviceTimeout <= 0 {
		t.Error("expected a positive built-in device timeout")
	}
}

func TestPolicyStoreMatch(t *testing.T) {
	store, err := NewPolicyStore(writePolicyFile(t, testPolicies), nil)
	if err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}

	tests := []struct {
		repository string
		tag        string
		want       string
		matched    bool
	}{
		{"registry.local/sensor-agent", "v2.1.0", "canary", true},
		{"registry.local/gateway", "hotfix-42", "hotfix", true},
		// First match wins: canary matches sensor-* before hotfix's catch-all repo.
		{"registry.local/sensor-agent", "hotfix-1", "hotfix", true},
		// Disabled rules never match, even as a catch-all.
		{"other.registry/thing", "latest", "", false},
	}

	for _, tt := range tests {
		snap, ok := store.Match(tt.repository, tt.tag)
		if ok != tt.matched {
			t.Errorf("Match(%q, %q): matched=%v, want %v", tt.repository, tt.tag, ok, tt.matched)
			continue
		}
		if ok && snap.Name != tt.want {
			t.Errorf("Match(%q, %q): got policy %q, want %q", tt.repository, tt.tag, snap.Name, tt.want)
		}
	}
}

func TestPolicyStoreMatchFirstWins(t *testing.T) {
	content := `
policies:
  - name: broad
    repository: "*"
    strategy: immediate
    failure_threshold: 0.5
    device_timeout: 10m
    enabled: true
  - name: narrow
    repository: "registry.local/agent"
    strategy: immediate
    failure_threshold: 0.1
    device_timeout: 10m
    enabled: true
`
	store, err := NewPolicyStore(writePolicyFile(t, content), nil)
	if err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}

	snap, ok := store.Match("registry.local/agent", "v1")
	if !ok {
		t.Fatal("expected a match")
	}
	if snap.Name != "broad" {
		t.Errorf("expected first matching rule to win, got %q", snap.Name)
	}
}

func TestPolicyStoreValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "non-increasing percents",
			content: `
policies:
  - name: bad
    strategy: staged
    batch_percents: [50, 50, 100]
    failure_threshold: 0.2
    device_timeout: 10m
    enabled: true
`,
		},
		{
			name: "percents not ending at 100",
			content: `
policies:
  - name: bad
    strategy: staged
    batch_percents: [10, 50]
    failure_threshold: 0.2
    device_timeout: 10m
    enabled: true
`,
		},
		{
			name: "threshold out of range",
			content: `
policies:
  - name: bad
    strategy: immediate
    failure_threshold: 1.5
    device_timeout: 10m
    enabled: true
`,
		},
		{
			name: "missing device timeout",
			content: `
policies:
  - name: bad
    strategy: immediate
    failure_threshold: 0.2
    enabled: true
`,
		},
		{
			name: "duplicate names",
			content: `
policies:
  - name: dup
    strategy: immediate
    failure_threshold: 0.2
    device_timeout: 10m
    enabled: true
  - name: dup
    strategy: immediate
    failure_threshold: 0.2
    device_timeout: 10m
    enabled: true
`,
		},
		{
			name: "unknown default",
			content: `
default: ghost
policies: []
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPolicyStore(writePolicyFile(t, tt.content), nil)
			if err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestPolicyStoreReloadKeepsOldSetOnFailure(t *testing.T) {
	path := writePolicyFile(t, testPolicies)
	store, err := NewPolicyStore(path, nil)
	if err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}

	if err := os.WriteFile(path, []byte("policies: [{name: broken"), 0644); err != nil {
		t.Fatalf("failed to overwrite policy file: %v", err)
	}

	if err := store.Reload(); err == nil {
		t.Fatal("expected reload of a broken file to fail")
	}

	// The previous set still serves lookups.
	if _, err := store.Lookup("canary"); err != nil {
		t.Errorf("expected previous policies to survive a failed reload: %v", err)
	}
}
