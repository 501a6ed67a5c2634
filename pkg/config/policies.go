package config

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/fleetwork/fleetwork/pkg/engine"
	"github.com/fleetwork/fleetwork/pkg/telemetry"
)

// PolicyFile is the rollout policy file.
type PolicyFile struct {
	// Default names the policy returned for an empty lookup. When unset,
	// built-in defaults apply.
	Default string `yaml:"default,omitempty"`

	// Policies are the rules, in match priority order.
	Policies []PolicyRule `yaml:"policies" validate:"dive"`
}

// PolicyRule is one named rollout policy. Repository and Tag are glob
// patterns (path.Match syntax) used by the registry webhook to pick a policy
// for an incoming image push.
type PolicyRule struct {
	Name             string   `yaml:"name" validate:"required"`
	Repository       string   `yaml:"repository,omitempty"`
	Tag              string   `yaml:"tag,omitempty"`
	Strategy         string   `yaml:"strategy" validate:"oneof=immediate staged"`
	BatchPercents    []int    `yaml:"batch_percents,omitempty"`
	BatchDelay       Duration `yaml:"batch_delay"`
	FailureThreshold float64  `yaml:"failure_threshold" validate:"gt=0,lte=1"`
	AutoRollback     bool     `yaml:"auto_rollback"`
	DeviceTimeout    Duration `yaml:"device_timeout"`
	Enabled          bool     `yaml:"enabled"`
}

// Snapshot converts the rule into the engine's immutable policy snapshot.
func (r PolicyRule) Snapshot() engine.PolicySnapshot {
	return engine.PolicySnapshot{
		Name:             r.Name,
		Strategy:         engine.Strategy(r.Strategy),
		BatchPercents:    append([]int(nil), r.BatchPercents...),
		BatchDelay:       r.BatchDelay.Std(),
		FailureThreshold: r.FailureThreshold,
		AutoRollback:     r.AutoRollback,
		DeviceTimeout:    r.DeviceTimeout.Std(),
	}
}

// validateRule checks the parts struct tags cannot express.
func validateRule(r PolicyRule) error {
	if r.Strategy == string(engine.StrategyStaged) {
		if len(r.BatchPercents) == 0 {
			return fmt.Errorf("policy %q: staged strategy requires batch_percents", r.Name)
		}
		prev := 0
		for _, pct := range r.BatchPercents {
			if pct <= prev || pct > 100 {
				return fmt.Errorf("policy %q: batch_percents must be strictly increasing within (0, 100]", r.Name)
			}
			prev = pct
		}
		if prev != 100 {
			return fmt.Errorf("policy %q: batch_percents must end at 100", r.Name)
		}
	}
	if r.Repository != "" {
		if _, err := path.Match(r.Repository, "x"); err != nil {
			return fmt.Errorf("policy %q: invalid repository pattern: %w", r.Name, err)
		}
	}
	if r.Tag != "" {
		if _, err := path.Match(r.Tag, "x"); err != nil {
			return fmt.Errorf("policy %q: invalid tag pattern: %w", r.Name, err)
		}
	}
	if r.DeviceTimeout.Std() <= 0 {
		return fmt.Errorf("policy %q: device_timeout must be positive", r.Name)
	}
	return nil
}

// defaultSnapshot is used for an empty lookup when the file names no default.
func defaultSnapshot() engine.PolicySnapshot {
	return engine.PolicySnapshot{
		Strategy:         engine.StrategyImmediate,
		FailureThreshold: 0.25,
		AutoRollback:     false,
		DeviceTimeout:    15 * time.Minute,
	}
}

// PolicyStore holds the current policy set and serves the engine's policy
// lookups. Reload swaps the whole set atomically; the engine copies a
// snapshot into each work item, so in-flight campaigns never observe a
// reload.
type PolicyStore struct {
	path string
	log  *telemetry.Logger

	mu   sync.RWMutex
	file PolicyFile
}

// NewPolicyStore loads the policy file at path.
func NewPolicyStore(path string, log *telemetry.Logger) (*PolicyStore, error) {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	s := &PolicyStore{
		path: path,
		log:  log.NewComponentLogger("policy-store"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads and validates the policy file, replacing the current set
// on success and keeping it on failure.
func (s *PolicyStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	if err := validate.Struct(&file); err != nil {
		return fmt.Errorf("invalid policy file: %w", err)
	}
	seen := make(map[string]bool, len(file.Policies))
	for _, rule := range file.Policies {
		if seen[rule.Name] {
			return fmt.Errorf("duplicate policy name %q", rule.Name)
		}
		seen[rule.Name] = true
		if err := validateRule(rule); err != nil {
			return err
		}
	}
	if file.Default != "" && !seen[file.Default] {
		return fmt.Errorf("default policy %q is not defined", file.Default)
	}

	s.mu.Lock()
	s.file = file
	s.mu.Unlock()

	s.log.WithField("policies", len(file.Policies)).Info("policy file loaded")
	return nil
}

// Lookup returns the policy snapshot by name. An empty name returns the
// file's default policy, or built-in defaults when none is named.
func (s *PolicyStore) Lookup(name string) (engine.PolicySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if name == "" {
		if s.file.Default == "" {
			return defaultSnapshot(), nil
		}
		name = s.file.Default
	}

	for _, rule := range s.file.Policies {
		if rule.Name == name {
			return rule.Snapshot(), nil
		}
	}

	return engine.PolicySnapshot{}, engine.NewValidationError("unknown policy: "+name, nil).
		WithCode(engine.ErrCodeUnknownPolicy)
}

// Match returns the first enabled policy whose repository and tag patterns
// match, in file order.
func (s *PolicyStore) Match(repository, tag string) (engine.PolicySnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rule := range s.file.Policies {
		if !rule.Enabled {
			continue
		}
		if !globMatch(rule.Repository, repository) {
			continue
		}
		if !globMatch(rule.Tag, tag) {
			continue
		}
		return rule.Snapshot(), true
	}

	return engine.PolicySnapshot{}, false
}

// globMatch treats an empty pattern as match-anything. Patterns are
// pre-validated at load, so a match error cannot occur here.
func globMatch(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// Watch hot-reloads the policy file until the context is canceled. Editors
// often replace rather than rewrite the file, so the watch is re-armed on
// remove/rename events.
func (s *PolicyStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.path); err != nil {
		return fmt.Errorf("failed to watch policy file: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := s.Reload(); err != nil {
					s.log.WithError(err).Warn("policy reload failed, keeping previous set")
				}
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// Re-arm after atomic replace.
				time.Sleep(100 * time.Millisecond)
				if err := watcher.Add(s.path); err != nil {
					s.log.WithError(err).Warn("failed to re-watch policy file")
				} else if err := s.Reload(); err != nil {
					s.log.WithError(err).Warn("policy reload failed, keeping previous set")
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Warn("policy watcher error")
		}
	}
}
