package api

import (
	"net/http"

	"agentboard/services/bootstrap"
)

func (a *API) handleListSteps(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"steps": bootstrap.Steps()})
}

// handleCredentialStatus reports which database keys are stored for a
// project. Key material never leaves the engine.
func (a *API) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	req := createRunRequest{ProjectID: trimmed(r.URL.Query().Get("project_id"))}
	if err := a.check(req); err != nil {
		a.respondError(w, r, err)
		return
	}

	summary, err := a.engine.CredentialStatus(r.Context(), req.ProjectID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"credentials": summary})
}
