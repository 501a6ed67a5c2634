package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetwork/fleetwork/pkg/api"
	"github.com/fleetwork/fleetwork/pkg/config"
	"github.com/fleetwork/fleetwork/pkg/engine"
	"github.com/fleetwork/fleetwork/pkg/mqttingest"
	"github.com/fleetwork/fleetwork/pkg/registry"
	"github.com/fleetwork/fleetwork/pkg/stores"
	"github.com/fleetwork/fleetwork/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		Long: `Run the orchestration service: the HTTP API, the device poll and
status endpoints, the periodic control loop, and (when configured) the MQTT
status subscriber. Shuts down gracefully on SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadServiceConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tel, err := newTelemetry(cfg, "serve")
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log := tel.Logger.NewComponentLogger("serve")

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.WithField("path", cfg.Database.Path).Info("database ready")

	reg := buildRegistry(cfg)

	policies, err := config.NewPolicyStore(cfg.PolicyFile, tel.Logger)
	if err != nil {
		return fmt.Errorf("failed to load policy file: %w", err)
	}
	go func() {
		if err := policies.Watch(ctx); err != nil {
			log.WithError(err).Warn("policy file watcher stopped")
		}
	}()

	events := engine.NewTelemetryEventPublisher(tel.Events)
	orch := engine.NewOrchestrator(store, reg, policies, events, tel.Logger, tel.Metrics, tel.Tracer)
	polls := engine.NewPollHandler(store, events, tel.Logger, tel.Metrics)
	ingest := engine.NewIngestor(store, orch, events, tel.Logger, tel.Metrics, tel.Tracer)

	loop := engine.NewControlLoop(store, orch, events, tel.Logger, tel.Metrics,
		cfg.Engine.ControlLoopInterval.Std())
	go loop.Run(ctx)

	if cfg.MQTT.Enabled {
		sub := mqttingest.NewSubscriber(mqttingest.Config{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, ingest, tel.Logger)
		if err := sub.Start(); err != nil {
			return fmt.Errorf("failed to start mqtt subscriber: %w", err)
		}
		defer sub.Stop()
	}

	if cfg.Telemetry.MetricsListenAddr != "" {
		go func() {
			if err := tel.StartMetricsServer(); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	srv := api.NewServer(cfg.Server.ListenAddr, orch, polls, ingest, store,
		policies, tel.Logger, tel.Metrics, tel.Tracer)

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	select {
	case err := <-srvErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	return tel.Shutdown(shutdownCtx)
}

// newTelemetry maps the service config onto the telemetry stack.
func newTelemetry(cfg *config.ServiceConfig, component string) (*telemetry.Telemetry, error) {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = "fleetwork-" + component
	tcfg.Logging.Level = cfg.Telemetry.LogLevel
	tcfg.Logging.Format = cfg.Telemetry.LogFormat
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	tcfg.Metrics.Enabled = cfg.Telemetry.MetricsListenAddr != ""
	tcfg.Metrics.ListenAddress = cfg.Telemetry.MetricsListenAddr
	tcfg.Tracing.Enabled = cfg.Telemetry.Tracing.Enabled
	tcfg.Tracing.Exporter = cfg.Telemetry.Tracing.Exporter
	tcfg.Tracing.Endpoint = cfg.Telemetry.Tracing.Endpoint
	tcfg.Tracing.SamplingRate = cfg.Telemetry.Tracing.SamplingRate
	tcfg.Tracing.Insecure = cfg.Telemetry.Tracing.Insecure
	return telemetry.NewTelemetry(tcfg)
}

// buildRegistry selects the external registry client when a URL is
// configured, the in-config static device list otherwise.
func buildRegistry(cfg *config.ServiceConfig) engine.DeviceRegistry {
	if cfg.Registry.URL != "" {
		return registry.NewHTTPRegistry(cfg.Registry.URL, cfg.Registry.Timeout.Std())
	}
	devices := make([]engine.Device, 0, len(cfg.Registry.StaticDevices))
	for _, d := range cfg.Registry.StaticDevices {
		devices = append(devices, engine.Device{
			ID:     d.ID,
			Name:   d.Name,
			Labels: d.Labels,
			Active: d.Active,
		})
	}
	return registry.NewStaticRegistry(devices)
}
