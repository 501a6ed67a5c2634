// Package telemetry provides observability instrumentation for Fleetwork.
//
// The telemetry package integrates structured logging (zerolog), metrics
// (Prometheus), and event publishing into a unified system for monitoring
// and auditing orchestration activity.
//
// # Architecture
//
// The telemetry system is built on three pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Metrics Collection - Prometheus metrics for operational insights
//  3. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "fleetwork"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Component loggers carry a stable component field and work item and device
// ids are attached with the WithWorkItem and WithDevice helpers:
//
//	log := tel.Logger.NewComponentLogger("orchestrator")
//	log.WithWorkItem(id).Info("work item created")
package telemetry
