package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleetwork.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadServiceConfigDefaults(t *testing.T) {
	cfg, err := LoadServiceConfig(writeConfigFile(t, `
database:
  path: /var/lib/fleetwork/fleetwork.db
policy_file: /etc/fleetwork/policies.yaml
`))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Engine.ControlLoopInterval.Std() != 10*time.Second {
		t.Errorf("expected default control loop interval, got %s", cfg.Engine.ControlLoopInterval.Std())
	}
	if cfg.Database.Path != "/var/lib/fleetwork/fleetwork.db" {
		t.Errorf("file value not applied: %q", cfg.Database.Path)
	}
	if cfg.Telemetry.LogLevel != "info" {
		t.Errorf("expected default log level, got %q", cfg.Telemetry.LogLevel)
	}
	if cfg.Telemetry.Tracing.Enabled || cfg.Telemetry.Tracing.Exporter != "none" {
		t.Errorf("expected tracing off with the none exporter by default, got %+v", cfg.Telemetry.Tracing)
	}
}

func TestLoadServiceConfigOverrides(t *testing.T) {
	cfg, err := LoadServiceConfig(writeConfigFile(t, `
server:
  listen_addr: ":9999"
  shutdown_timeout: 30s
database:
  path: test.db
registry:
  url: http://registry.internal:7000
  timeout: 2s
engine:
  control_loop_interval: 3s
mqtt:
  enabled: true
  broker_url: tcp://broker:1883
telemetry:
  log_level: debug
  log_format: json
policy_file: policies.yaml
`))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("unexpected listen addr %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.ShutdownTimeout.Std() != 30*time.Second {
		t.Errorf("unexpected shutdown timeout %s", cfg.Server.ShutdownTimeout.Std())
	}
	if cfg.Registry.URL != "http://registry.internal:7000" {
		t.Errorf("unexpected registry url %q", cfg.Registry.URL)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.BrokerURL != "tcp://broker:1883" {
		t.Errorf("unexpected mqtt config %+v", cfg.MQTT)
	}
	if cfg.Telemetry.LogFormat != "json" {
		t.Errorf("unexpected log format %q", cfg.Telemetry.LogFormat)
	}
}

func TestLoadServiceConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "bad log level",
			content: `
database:
  path: test.db
telemetry:
  log_level: loud
policy_file: policies.yaml
`,
		},
		{
			name: "mqtt enabled without broker",
			content: `
database:
  path: test.db
mqtt:
  enabled: true
policy_file: policies.yaml
`,
		},
		{
			name: "invalid duration",
			content: `
database:
  path: test.db
engine:
  control_loop_interval: soon
policy_file: policies.yaml
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadServiceConfig(writeConfigFile(t, tt.content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
