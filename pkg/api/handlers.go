package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/fleetwork/fleetwork/pkg/engine"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (s *Server) handleCreateWorkItem(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, engine.NewValidationError("malformed request body", err))
		return
	}

	item, err := s.orch.CreateWorkItem(r.Context(), req)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handleGetWorkItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetWorkItem(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// listResponse is the paginated work item listing.
type listResponse struct {
	WorkItems []*engine.WorkItem `json:"work_items"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
}

func (s *Server) handleListWorkItems(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	items, err := s.store.ListWorkItems(r.Context(), limit, offset)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if items == nil {
		items = []*engine.WorkItem{}
	}
	writeJSON(w, http.StatusOK, listResponse{WorkItems: items, Limit: limit, Offset: offset})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// Existence check first so an unknown id is a 404, not an empty list.
	if _, err := s.store.GetWorkItem(r.Context(), id); err != nil {
		writeError(w, s.log, err)
		return
	}

	units, err := s.store.ListDeviceStatuses(r.Context(), id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if units == nil {
		units = []*engine.DeviceWorkStatus{}
	}
	writeJSON(w, http.StatusOK, units)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, s.log, engine.NewValidationError("malformed request body", err))
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "canceled by operator"
	}

	if err := s.orch.Cancel(r.Context(), mux.Vars(r)["id"], body.Reason); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Resume(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handlePollNext(w http.ResponseWriter, r *http.Request) {
	unit, err := s.polls.Next(r.Context(), mux.Vars(r)["deviceID"])
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if unit == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (s *Server) handleStatusReport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var report engine.StatusReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, s.log, engine.NewValidationError("malformed request body", err))
		return
	}

	if err := s.ingest.Report(r.Context(), vars["id"], vars["deviceID"], report); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// registryWebhook is the push notification body sent by the image registry.
type registryWebhook struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

// handleRegistryWebhook matches a pushed image against the enabled policies
// and synthesizes a rollout work item on the first match. Unmatched pushes
// are acknowledged without creating anything, so the registry never retries.
func (s *Server) handleRegistryWebhook(w http.ResponseWriter, r *http.Request) {
	var hook registryWebhook
	if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
		writeError(w, s.log, engine.NewValidationError("malformed request body", err))
		return
	}
	if hook.Repository == "" || hook.Tag == "" {
		writeError(w, s.log, engine.NewValidationError("repository and tag are required", nil))
		return
	}

	snapshot, ok := s.policies.Match(hook.Repository, hook.Tag)
	if !ok {
		s.log.WithField("repository", hook.Repository).WithField("tag", hook.Tag).
			Debug("registry push matched no policy")
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"matched": false})
		return
	}

	payload, err := json.Marshal(engine.ImageChange{
		Repository: hook.Repository,
		ToTag:      hook.Tag,
	})
	if err != nil {
		writeError(w, s.log, engine.NewInternalError("encoding rollout payload", err))
		return
	}

	item, err := s.orch.CreateWorkItem(r.Context(), engine.CreateRequest{
		Kind:       engine.WorkItemKindRollout,
		Payload:    payload,
		TargetSpec: engine.TargetSpec{All: true},
		PolicyName: snapshot.Name,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	s.log.WithWorkItem(item.ID).
		WithField("repository", hook.Repository).
		WithField("tag", hook.Tag).
		WithField("policy", snapshot.Name).
		Info("registry push created rollout")
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"matched":      true,
		"work_item_id": item.ID,
		"policy":       snapshot.Name,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
