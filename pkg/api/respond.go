package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetwork/fleetwork/pkg/engine"
	"github.com/fleetwork/fleetwork/pkg/telemetry"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps an engine error class to an HTTP status and writes the
// JSON error body. Internal and transient failures are logged here; client
// errors are the caller's problem and stay out of the service log.
func writeError(w http.ResponseWriter, log *telemetry.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case engine.IsValidation(err):
		status = http.StatusBadRequest
	case engine.IsNotFound(err):
		status = http.StatusNotFound
	case engine.IsConflict(err) || engine.IsInvalidTransition(err):
		status = http.StatusConflict
	case engine.IsTransient(err):
		status = http.StatusServiceUnavailable
	}

	if status >= 500 && log != nil {
		log.WithError(err).Error("request failed")
	}

	resp := errorResponse{Error: err.Error()}
	var oe *engine.OrchestrationError
	if errors.As(err, &oe) {
		resp.Error = oe.Message
		resp.Code = oe.Code
	}
	writeJSON(w, status, resp)
}
