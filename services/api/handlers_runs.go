package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"agentboard/services/bootstrap"
)

type createRunRequest struct {
	ProjectID string `json:"project_id" validate:"required"`
	// Credentials are accepted but not kept; each execute request carries
	// its own.
	Credentials *bootstrap.Credentials `json:"credentials,omitempty"`
}

type executeStepRequest struct {
	Step        bootstrap.StepID      `json:"step"`
	Parameters  map[string]string     `json:"parameters"`
	Credentials bootstrap.Credentials `json:"credentials"`
}

type runRequest struct {
	RunID string `json:"run_id" validate:"required"`
}

func (a *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		a.respondError(w, r, err)
		return
	}
	req.ProjectID = trimmed(req.ProjectID)
	if err := a.check(req); err != nil {
		a.respondError(w, r, err)
		return
	}

	run, created, err := a.engine.CreateRun(r.Context(), req.ProjectID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]any{"run": run})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	req := runRequest{RunID: trimmed(chi.URLParam(r, "runID"))}
	if err := a.check(req); err != nil {
		a.respondError(w, r, err)
		return
	}

	run, err := a.engine.GetRun(r.Context(), req.RunID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"run": run})
}

// handleListRuns returns the latest run for a project, or its full history
// with all=true.
func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	req := createRunRequest{ProjectID: trimmed(r.URL.Query().Get("project_id"))}
	if err := a.check(req); err != nil {
		a.respondError(w, r, err)
		return
	}

	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	if all {
		runs, err := a.engine.ListRuns(r.Context(), req.ProjectID)
		if err != nil {
			a.respondError(w, r, err)
			return
		}
		if runs == nil {
			runs = []*bootstrap.Run{}
		}
		respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
		return
	}

	run, err := a.engine.GetRunByProject(r.Context(), req.ProjectID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (a *API) handleExecuteStep(w http.ResponseWriter, r *http.Request) {
	runID := trimmed(chi.URLParam(r, "runID"))
	if err := a.check(runRequest{RunID: runID}); err != nil {
		a.respondError(w, r, err)
		return
	}

	var req executeStepRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		a.respondError(w, r, err)
		return
	}
	if req.Step != "" && !bootstrap.IsKnownStep(req.Step) {
		a.respondError(w, r, invalidInput("unknown step "+strconv.Quote(string(req.Step)), ""))
		return
	}

	run, result, err := a.engine.ExecuteStep(r.Context(), bootstrap.ExecuteRequest{
		RunID:       runID,
		Step:        req.Step,
		Parameters:  req.Parameters,
		Credentials: req.Credentials,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"run": run, "step_result": result})
}

func (a *API) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	runID := trimmed(chi.URLParam(r, "runID"))
	if err := a.check(runRequest{RunID: runID}); err != nil {
		a.respondError(w, r, err)
		return
	}
	step := bootstrap.StepID(trimmed(chi.URLParam(r, "step")))
	if !bootstrap.IsKnownStep(step) {
		a.respondError(w, r, invalidInput("unknown step "+strconv.Quote(string(step)), ""))
		return
	}

	run, err := a.engine.RetryStep(r.Context(), runID, step)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"run": run})
}
