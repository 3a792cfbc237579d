package providers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"agentboard/services/bootstrap"
)

const DefaultVercelAPIURL = "https://api.vercel.com"

var envTargets = []string{"production", "preview", "development"}

// Vercel creates the hosting project, pushes database settings into its
// environment and triggers the first production deployment.
type Vercel struct {
	api *apiClient
}

type vercelGitRepository struct {
	Type string `json:"type"`
	Repo string `json:"repo"`
}

type vercelCreateProject struct {
	Name          string              `json:"name"`
	Framework     string              `json:"framework,omitempty"`
	GitRepository vercelGitRepository `json:"gitRepository"`
}

type vercelProject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type vercelEnv struct {
	Key    string   `json:"key"`
	Value  string   `json:"value"`
	Type   string   `json:"type"`
	Target []string `json:"target"`
}

type vercelGitSource struct {
	Type string `json:"type"`
	Org  string `json:"org"`
	Repo string `json:"repo"`
	Ref  string `json:"ref"`
}

type vercelCreateDeployment struct {
	Name      string          `json:"name"`
	Project   string          `json:"project"`
	Target    string          `json:"target"`
	GitSource vercelGitSource `json:"gitSource"`
}

type vercelDeployment struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	ReadyState string `json:"readyState"`
}

// NewVercel returns the create_hosting_project adapter.
func NewVercel(baseURL string, hc *http.Client) *Vercel {
	if baseURL == "" {
		baseURL = DefaultVercelAPIURL
	}
	return &Vercel{api: newAPIClient("Vercel", baseURL, hc)}
}

func (v *Vercel) Execute(ctx context.Context, in bootstrap.Input) bootstrap.Outcome {
	token := strings.TrimSpace(in.Credentials.VercelToken)
	if token == "" {
		return bootstrap.Fail(bootstrap.KindInvalidCredentials, "Vercel token is required", "")
	}
	keys := in.DatabaseKeys
	if keys == nil || keys.ServiceRoleKey == "" || keys.AnonKey == "" {
		return bootstrap.Fail(bootstrap.KindResourceNotFound,
			"Database credentials not found; run "+string(bootstrap.StepCreateBackingDatabaseProject)+" first", "")
	}

	repository := in.Param("repository")
	if repository == "" {
		repository = in.OutputString(bootstrap.StepEnsureRepoInitialized, "repository")
	}
	if repository == "" {
		repository = in.ProjectID
	}
	owner, repo, ok := splitRepository(repository)
	if !ok {
		return bootstrap.Fail(bootstrap.KindInvalidInput, "Repository must be in owner/name form", repository)
	}
	branch := in.Param("branch")
	if branch == "" {
		branch = in.OutputString(bootstrap.StepEnsureRepoInitialized, "default_branch")
	}
	if branch == "" {
		branch = "main"
	}
	name := in.Param("project_name")
	if name == "" {
		name = projectName(repo)
	}
	framework := in.Param("framework")
	if framework == "" {
		framework = "nextjs"
	}

	q := url.Values{}
	if team := strings.TrimSpace(in.Credentials.VercelTeamID); team != "" {
		q.Set("teamId", team)
	}

	project, reused, f := v.ensureProject(ctx, q, token, vercelCreateProject{
		Name:          name,
		Framework:     framework,
		GitRepository: vercelGitRepository{Type: "github", Repo: owner + "/" + repo},
	})
	if f != nil {
		return bootstrap.Outcome{Failure: f}
	}

	upsert := url.Values{}
	for k, vals := range q {
		upsert[k] = vals
	}
	upsert.Set("upsert", "true")
	envPath := "/v10/projects/" + url.PathEscape(project.ID) + "/env"
	if _, f := v.api.call(ctx, http.MethodPost, envPath, upsert, token, environment(keys), nil); f != nil {
		return bootstrap.Outcome{Failure: f}
	}

	var deployment vercelDeployment
	_, f = v.api.call(ctx, http.MethodPost, "/v13/deployments", q, token, vercelCreateDeployment{
		Name:    project.Name,
		Project: project.ID,
		Target:  "production",
		GitSource: vercelGitSource{
			Type: "github",
			Org:  owner,
			Repo: repo,
			Ref:  branch,
		},
	}, &deployment)
	if f != nil {
		return bootstrap.Outcome{Failure: f}
	}

	deploymentURL := deployment.URL
	if deploymentURL != "" && !strings.HasPrefix(deploymentURL, "http://") && !strings.HasPrefix(deploymentURL, "https://") {
		deploymentURL = "https://" + deploymentURL
	}

	return bootstrap.Success(map[string]any{
		"project_id":     project.ID,
		"project_name":   project.Name,
		"reused":         reused,
		"deployment_id":  deployment.ID,
		"deployment_url": deploymentURL,
		"ready_state":    deployment.ReadyState,
	})
}

// ensureProject creates the project or, when the name is taken, reuses it.
func (v *Vercel) ensureProject(ctx context.Context, q url.Values, token string, req vercelCreateProject) (vercelProject, bool, *bootstrap.Failure) {
	var project vercelProject
	status, f := v.api.call(ctx, http.MethodPost, "/v10/projects", q, token, req, &project)
	if f == nil {
		return project, false, nil
	}
	if status != http.StatusConflict {
		return vercelProject{}, false, f
	}

	project = vercelProject{}
	if _, f := v.api.call(ctx, http.MethodGet, "/v9/projects/"+url.PathEscape(req.Name), q, token, nil, &project); f != nil {
		return vercelProject{}, false, f
	}
	return project, true, nil
}

func environment(keys *bootstrap.DatabaseKeys) []vercelEnv {
	env := func(key, value, typ string) vercelEnv {
		return vercelEnv{Key: key, Value: value, Type: typ, Target: envTargets}
	}
	return []vercelEnv{
		env("SUPABASE_URL", keys.URL, "plain"),
		env("SUPABASE_ANON_KEY", keys.AnonKey, "encrypted"),
		env("SUPABASE_SERVICE_ROLE_KEY", keys.ServiceRoleKey, "encrypted"),
		env("NEXT_PUBLIC_SUPABASE_URL", keys.URL, "plain"),
		env("NEXT_PUBLIC_SUPABASE_ANON_KEY", keys.AnonKey, "plain"),
	}
}
