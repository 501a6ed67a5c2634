package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetwork/fleetwork/pkg/engine"
	"github.com/fleetwork/fleetwork/pkg/telemetry"
)

// Server is the HTTP front of the orchestration engine.
type Server struct {
	orch     *engine.Orchestrator
	polls    *engine.PollHandler
	ingest   *engine.Ingestor
	store    engine.Store
	policies engine.PolicyLookup
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	httpServer *http.Server
}

// NewServer wires the engine components behind a router listening on addr.
func NewServer(
	addr string,
	orch *engine.Orchestrator,
	polls *engine.PollHandler,
	ingest *engine.Ingestor,
	store engine.Store,
	policies engine.PolicyLookup,
	log *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) *Server {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	s := &Server{
		orch:     orch,
		polls:    polls,
		ingest:   ingest,
		store:    store,
		policies: policies,
		log:      log.NewComponentLogger("api"),
		metrics:  metrics,
		tracer:   tracer,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table. Exposed separately so tests can drive the
// handlers through httptest without binding a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.traceRequests)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Administrative surface.
	api.HandleFunc("/workitems", s.handleCreateWorkItem).Methods("POST")
	api.HandleFunc("/workitems", s.handleListWorkItems).Methods("GET")
	api.HandleFunc("/workitems/{id}", s.handleGetWorkItem).Methods("GET")
	api.HandleFunc("/workitems/{id}/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/workitems/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/workitems/{id}/resume", s.handleResume).Methods("POST")

	// Device surface.
	api.HandleFunc("/devices/{deviceID}/next", s.handlePollNext).Methods("POST")
	api.HandleFunc("/workitems/{id}/devices/{deviceID}/status", s.handleStatusReport).Methods("POST")

	// Registry integration.
	api.HandleFunc("/webhooks/registry", s.handleRegistryWebhook).Methods("POST")

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	return r
}

// traceRequests opens a span per request named by the matched route, so
// engine spans started inside handlers nest under it.
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		ctx, span := s.tracer.StartRequestSpan(r.Context(), r.Method, route)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
