package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Fleetwork. All recording methods
// are safe to call on a nil receiver or a disabled instance, so callers
// never have to guard metric calls.
type Metrics struct {
	config MetricsConfig

	// Work item metrics
	workItemsCreated  *prometheus.CounterVec
	workItemsFinished *prometheus.CounterVec
	workItemsPaused   prometheus.Counter
	batchesAdvanced   prometheus.Counter

	// Dispatch metrics
	pollsServed *prometheus.CounterVec

	// Status ingestion metrics
	reportsAccepted   *prometheus.CounterVec
	correctnessEvents *prometheus.CounterVec
	unitsTimedOut     prometheus.Counter

	// System metrics
	activeWorkItems prometheus.Gauge
	pendingUnits    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		workItemsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_items_created_total",
				Help:      "Total number of work items created",
			},
			[]string{"kind"},
		),
		workItemsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_items_finished_total",
				Help:      "Total number of work items reaching a terminal status",
			},
			[]string{"status"},
		),
		workItemsPaused: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_items_paused_total",
				Help:      "Total number of health-triggered pauses",
			},
		),
		batchesAdvanced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_advanced_total",
				Help:      "Total number of batch advancements",
			},
		),

		pollsServed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_served_total",
				Help:      "Total number of device polls by outcome",
			},
			[]string{"outcome"},
		),

		reportsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_accepted_total",
				Help:      "Total number of device status reports by reported status",
			},
			[]string{"status"},
		),
		correctnessEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "correctness_events_total",
				Help:      "Total number of rejected duplicate or out-of-order reports",
			},
			[]string{"kind"},
		),
		unitsTimedOut: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_timed_out_total",
				Help:      "Total number of device work units expired by the timeout sweep",
			},
		),

		activeWorkItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_work_items",
				Help:      "Current number of non-terminal work items",
			},
		),
		pendingUnits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_units",
				Help:      "Current number of device work units awaiting dispatch",
			},
		),
	}

	registry.MustRegister(
		m.workItemsCreated,
		m.workItemsFinished,
		m.workItemsPaused,
		m.batchesAdvanced,
		m.pollsServed,
		m.reportsAccepted,
		m.correctnessEvents,
		m.unitsTimedOut,
		m.activeWorkItems,
		m.pendingUnits,
	)

	return m, nil
}

// Work Item Metrics

// WorkItemCreated increments the counter for created work items.
func (m *Metrics) WorkItemCreated(kind string) {
	if m == nil || m.workItemsCreated == nil {
		return
	}
	m.workItemsCreated.WithLabelValues(kind).Inc()
	m.activeWorkItems.Inc()
}

// WorkItemFinished records a work item reaching a terminal status.
func (m *Metrics) WorkItemFinished(status string) {
	if m == nil || m.workItemsFinished == nil {
		return
	}
	m.workItemsFinished.WithLabelValues(status).Inc()
	m.activeWorkItems.Dec()
}

// WorkItemPaused records a health-triggered pause.
func (m *Metrics) WorkItemPaused() {
	if m == nil || m.workItemsPaused == nil {
		return
	}
	m.workItemsPaused.Inc()
}

// BatchAdvanced records an advancement to the next batch.
func (m *Metrics) BatchAdvanced() {
	if m == nil || m.batchesAdvanced == nil {
		return
	}
	m.batchesAdvanced.Inc()
}

// Dispatch Metrics

// PollServed records a served device poll. Outcome is one of
// "dispatched", "redelivered" or "none".
func (m *Metrics) PollServed(outcome string) {
	if m == nil || m.pollsServed == nil {
		return
	}
	m.pollsServed.WithLabelValues(outcome).Inc()
}

// Status Ingestion Metrics

// ReportAccepted records an accepted device status report.
func (m *Metrics) ReportAccepted(status string) {
	if m == nil || m.reportsAccepted == nil {
		return
	}
	m.reportsAccepted.WithLabelValues(status).Inc()
}

// CorrectnessEvent records a rejected report, labeled by rejection kind.
func (m *Metrics) CorrectnessEvent(kind string) {
	if m == nil || m.correctnessEvents == nil {
		return
	}
	m.correctnessEvents.WithLabelValues(kind).Inc()
}

// UnitsTimedOut records units expired by the timeout sweep.
func (m *Metrics) UnitsTimedOut(n int) {
	if m == nil || m.unitsTimedOut == nil {
		return
	}
	m.unitsTimedOut.Add(float64(n))
}

// System Metrics

// SetActiveWorkItems sets the current number of non-terminal work items.
func (m *Metrics) SetActiveWorkItems(count float64) {
	if m == nil || m.activeWorkItems == nil {
		return
	}
	m.activeWorkItems.Set(count)
}

// SetPendingUnits sets the current number of pending device work units.
func (m *Metrics) SetPendingUnits(count float64) {
	if m == nil || m.pendingUnits == nil {
		return
	}
	m.pendingUnits.Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
