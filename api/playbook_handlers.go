package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"orthrus/soar"
	"orthrus/storage"
)

func (a *API) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	org := r.URL.Query().Get("organization_id")
	playbooks, err := a.service.ListPlaybooks(r.Context(), org)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	if playbooks == nil {
		playbooks = []*soar.Playbook{}
	}
	a.respondJSON(w, http.StatusOK, map[string]interface{}{"playbooks": playbooks})
}

func (a *API) handleCreatePlaybook(w http.ResponseWriter, r *http.Request) {
	var pb soar.Playbook
	if err := json.NewDecoder(r.Body).Decode(&pb); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid playbook JSON: "+err.Error())
		return
	}
	pb.CreatedBy = userFrom(r)
	created, err := a.service.CreatePlaybook(r.Context(), &pb)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusCreated, created)
}

func (a *API) handleValidatePlaybook(w http.ResponseWriter, r *http.Request) {
	var pb soar.Playbook
	if err := json.NewDecoder(r.Body).Decode(&pb); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid playbook JSON: "+err.Error())
		return
	}
	if err := a.service.ValidatePlaybook(&pb); err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (a *API) handleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	pb, err := a.service.GetPlaybook(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, pb)
}

func (a *API) handleGetPlaybookVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil || version < 1 {
		a.respondError(w, http.StatusBadRequest, "invalid version")
		return
	}
	pb, err := a.service.GetPlaybookVersion(r.Context(), vars["id"], version)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, pb)
}

func (a *API) handleUpdatePlaybook(w http.ResponseWriter, r *http.Request) {
	var pb soar.Playbook
	if err := json.NewDecoder(r.Body).Decode(&pb); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid playbook JSON: "+err.Error())
		return
	}
	pb.ID = mux.Vars(r)["id"]
	updated, err := a.service.UpdatePlaybook(r.Context(), &pb)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, updated)
}

func (a *API) handleDeletePlaybook(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeletePlaybook(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusNoContent, nil)
}

func (a *API) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.service.SetEnabled(r.Context(), mux.Vars(r)["id"], enabled); err != nil {
			a.respondServiceError(w, err)
			return
		}
		a.respondJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
	}
}

type runRequest struct {
	Payload  map[string]interface{} `json:"payload"`
	Priority *int                   `json:"priority"`
}

func (a *API) handleRunPlaybook(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.respondError(w, http.StatusBadRequest, "invalid run request: "+err.Error())
			return
		}
	}
	job, err := a.service.RunPlaybook(r.Context(), mux.Vars(r)["id"], userFrom(r), req.Payload, req.Priority)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"execution_id":     job.ExecutionID,
		"playbook_version": job.PlaybookVersion,
		"priority":         job.Priority,
	})
}

func (a *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	filter := storage.ExecutionFilter{
		PlaybookID:     q.Get("playbook_id"),
		OrganizationID: q.Get("organization_id"),
		Status:         soar.ExecutionStatus(q.Get("status")),
		Limit:          limit,
		Offset:         offset,
	}
	executions, err := a.service.ListExecutions(r.Context(), filter)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	if executions == nil {
		executions = []*soar.Execution{}
	}
	a.respondJSON(w, http.StatusOK, map[string]interface{}{"executions": executions})
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := a.service.GetExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, exec)
}

func (a *API) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.service.CancelExecution(r.Context(), id); err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusAccepted, map[string]string{"execution_id": id, "status": "cancelling"})
}

type actionInfo struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

func (a *API) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions := a.registry.List()
	out := make([]actionInfo, 0, len(actions))
	for _, act := range actions {
		out = append(out, actionInfo{
			ID:          act.ID(),
			Description: act.Description(),
			InputSchema: act.InputSchema(),
		})
	}
	a.respondJSON(w, http.StatusOK, map[string]interface{}{"actions": out})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	queueStats, execStats, err := a.service.Stats(r.Context(), r.URL.Query().Get("organization_id"))
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]interface{}{
		"queue":      queueStats,
		"executions": execStats,
	})
}
