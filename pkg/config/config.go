package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML unmarshalling from strings like
// "30s" or "15m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServiceConfig is the Fleetwork service configuration file.
type ServiceConfig struct {
	// Server configures the HTTP API listener.
	Server ServerConfig `yaml:"server"`

	// Database configures the SQLite store.
	Database DatabaseConfig `yaml:"database"`

	// Registry configures the external device registry client.
	Registry RegistryConfig `yaml:"registry"`

	// Engine configures the control loop.
	Engine EngineConfig `yaml:"engine"`

	// MQTT configures the optional MQTT status channel.
	MQTT MQTTConfig `yaml:"mqtt"`

	// Telemetry configures logging and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// PolicyFile is the path of the rollout policy file.
	PolicyFile string `yaml:"policy_file" validate:"required"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	// ListenAddr is the API bind address.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required"`
}

// RegistryConfig configures the device registry client. When URL is empty
// the static device list is served instead, which is intended for dev and
// test setups.
type RegistryConfig struct {
	// URL is the base URL of the external registry service.
	URL string `yaml:"url" validate:"omitempty,url"`

	// Timeout bounds registry HTTP calls.
	Timeout Duration `yaml:"timeout"`

	// StaticDevices is the fixed device list used when URL is empty.
	StaticDevices []StaticDevice `yaml:"static_devices,omitempty" validate:"dive"`
}

// StaticDevice is one entry of the static registry.
type StaticDevice struct {
	ID     string            `yaml:"id" validate:"required"`
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
	Active bool              `yaml:"active"`
}

// EngineConfig configures the control loop.
type EngineConfig struct {
	// ControlLoopInterval is the sweep/evaluation tick interval.
	ControlLoopInterval Duration `yaml:"control_loop_interval"`
}

// MQTTConfig configures the MQTT status channel.
type MQTTConfig struct {
	// Enabled turns the MQTT subscriber on.
	Enabled bool `yaml:"enabled"`

	// BrokerURL is the broker address (e.g. "tcp://localhost:1883").
	BrokerURL string `yaml:"broker_url" validate:"required_if=Enabled true"`

	// ClientID is the MQTT client identifier.
	ClientID string `yaml:"client_id"`

	// TopicPrefix is the status topic prefix; devices publish on
	// <prefix>/<device-id>/status.
	TopicPrefix string `yaml:"topic_prefix"`
}

// TelemetryConfig configures logging and metrics.
type TelemetryConfig struct {
	// LogLevel is the minimum log level.
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`

	// LogFormat is console or json.
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`

	// MetricsListenAddr is the bind address of the metrics endpoint. Empty
	// disables the standalone metrics server; /metrics stays on the API.
	MetricsListenAddr string `yaml:"metrics_listen_addr"`

	// Tracing configures distributed trace export.
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures distributed trace export.
type TracingConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled"`

	// Exporter is otlp, stdout, or none.
	Exporter string `yaml:"exporter" validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address (e.g. "localhost:4317").
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`

	// SamplingRate is the trace sampling ratio, 0.0 to 1.0.
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	// Insecure disables TLS towards the OTLP collector.
	Insecure bool `yaml:"insecure"`
}

// DefaultServiceConfig returns the configuration defaults.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "fleetwork.db",
		},
		Registry: RegistryConfig{
			Timeout: Duration(5 * time.Second),
		},
		Engine: EngineConfig{
			ControlLoopInterval: Duration(10 * time.Second),
		},
		MQTT: MQTTConfig{
			ClientID:    "fleetwork",
			TopicPrefix: "fleet/devices",
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "console",
			Tracing: TracingConfig{
				Exporter:     "none",
				SamplingRate: 1.0,
			},
		},
		PolicyFile: "policies.yaml",
	}
}

// LoadServiceConfig reads, decodes and validates a service configuration
// file, applying defaults for anything the file leaves unset.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultServiceConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration with its struct tags.
func (c *ServiceConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// validate is the shared validator instance.
var validate = validator.New()
