package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/fleetwork/fleetwork/pkg/engine"
	"github.com/fleetwork/fleetwork/pkg/telemetry"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultJobTimeout   = 10 * time.Minute

	// maxOutputBytes bounds the captured output shipped in the result.
	maxOutputBytes = 16 * 1024
)

// Config holds the agent settings.
type Config struct {
	// ServerURL is the orchestrator base URL.
	ServerURL string

	// DeviceID is this device's registry id.
	DeviceID string

	// PollInterval is the idle poll cadence.
	PollInterval time.Duration

	// RolloutCommand, when set, handles rollout units. It runs through the
	// shell with FLEETWORK_REPOSITORY and FLEETWORK_TAG in the environment.
	RolloutCommand string
}

// Agent polls for work and executes it.
type Agent struct {
	cfg    Config
	client *http.Client
	log    *telemetry.Logger
}

// jobResult is the result document reported for executed units.
type jobResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

// New creates an agent.
func New(cfg Config, log *telemetry.Logger) (*Agent, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Agent{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log.NewComponentLogger("agent").WithDevice(cfg.DeviceID),
	}, nil
}

// Run polls until the context is canceled.
func (a *Agent) Run(ctx context.Context) error {
	a.log.WithField("server", a.cfg.ServerURL).
		WithField("interval", a.cfg.PollInterval.String()).
		Info("agent started")

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if worked, err := a.Step(ctx); err != nil {
			a.log.WithError(err).Warn("poll cycle failed")
		} else if worked {
			// Drain the queue before going back to the idle cadence.
			continue
		}

		select {
		case <-ctx.Done():
			a.log.Info("agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Step runs one poll cycle: fetch the next unit, execute it, report the
// outcome. Returns true when a unit was processed.
func (a *Agent) Step(ctx context.Context) (bool, error) {
	unit, err := a.next(ctx)
	if err != nil {
		return false, err
	}
	if unit == nil {
		return false, nil
	}

	a.log.WithWorkItem(unit.WorkItemID).
		WithField("kind", string(unit.Kind)).
		Info("unit received")

	if err := a.report(ctx, unit.WorkItemID, engine.StatusReport{
		Status: engine.DeviceStatusInProgress,
	}); err != nil {
		// The unit will be re-delivered on the next poll.
		return false, err
	}

	report := a.execute(ctx, unit)
	if err := a.report(ctx, unit.WorkItemID, report); err != nil {
		return false, err
	}
	a.log.WithWorkItem(unit.WorkItemID).
		WithField("status", string(report.Status)).
		Info("unit reported")
	return true, nil
}

// next polls for the device's next unit. A 204 means nothing is pending.
func (a *Agent) next(ctx context.Context) (*engine.WorkUnit, error) {
	url := fmt.Sprintf("%s/api/v1/devices/%s/next", a.cfg.ServerURL, a.cfg.DeviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var unit engine.WorkUnit
		if err := json.NewDecoder(resp.Body).Decode(&unit); err != nil {
			return nil, fmt.Errorf("failed to decode unit: %w", err)
		}
		return &unit, nil
	default:
		return nil, fmt.Errorf("poll returned status %d", resp.StatusCode)
	}
}

func (a *Agent) report(ctx context.Context, workItemID string, report engine.StatusReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/v1/workitems/%s/devices/%s/status",
		a.cfg.ServerURL, workItemID, a.cfg.DeviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("status report failed: %w", err)
	}
	defer resp.Body.Close()

	// 409 means the server already holds a terminal outcome for this unit
	// (a duplicate of an earlier retry, or the sweep timed it out); either
	// way the report is settled.
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("status report returned %d", resp.StatusCode)
	}
	return nil
}

// execute runs the unit and builds its terminal report.
func (a *Agent) execute(ctx context.Context, unit *engine.WorkUnit) engine.StatusReport {
	switch unit.Kind {
	case engine.WorkItemKindJob:
		var job engine.JobPayload
		if err := json.Unmarshal(unit.Payload, &job); err != nil {
			return engine.StatusReport{
				Status:      engine.DeviceStatusRejected,
				ErrorDetail: "malformed job payload: " + err.Error(),
			}
		}
		timeout := defaultJobTimeout
		if job.TimeoutSeconds > 0 {
			timeout = time.Duration(job.TimeoutSeconds) * time.Second
		}
		return a.runCommand(ctx, job.Command, job.Env, timeout)

	case engine.WorkItemKindRollout:
		var change engine.ImageChange
		if err := json.Unmarshal(unit.Payload, &change); err != nil {
			return engine.StatusReport{
				Status:      engine.DeviceStatusRejected,
				ErrorDetail: "malformed image change payload: " + err.Error(),
			}
		}
		if a.cfg.RolloutCommand == "" {
			return engine.StatusReport{
				Status:      engine.DeviceStatusRejected,
				ErrorDetail: "no rollout handler configured",
			}
		}
		env := map[string]string{
			"FLEETWORK_REPOSITORY": change.Repository,
			"FLEETWORK_TAG":        change.ToTag,
		}
		return a.runCommand(ctx, a.cfg.RolloutCommand, env, defaultJobTimeout)

	default:
		return engine.StatusReport{
			Status:      engine.DeviceStatusRejected,
			ErrorDetail: "unsupported work item kind " + string(unit.Kind),
		}
	}
}

func (a *Agent) runCommand(ctx context.Context, command string, env map[string]string, timeout time.Duration) engine.StatusReport {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	result := jobResult{Output: truncate(output.String(), maxOutputBytes)}

	status := engine.DeviceStatusSucceeded
	detail := ""
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		status = engine.DeviceStatusFailed
		detail = "command timed out"
		result.ExitCode = -1
	case err != nil:
		status = engine.DeviceStatusFailed
		detail = err.Error()
		result.ExitCode = -1
		if cmd.ProcessState != nil {
			result.ExitCode = cmd.ProcessState.ExitCode()
		}
	}

	encoded, _ := json.Marshal(result)
	return engine.StatusReport{
		Status:      status,
		ErrorDetail: detail,
		Result:      encoded,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
