package providers

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"agentboard/pkg/render"
	"agentboard/services/bootstrap"
)

const DefaultGitHubAPIURL = "https://api.github.com"

// GitHub makes sure the project repository has an initial commit.
type GitHub struct {
	api      *apiClient
	renderer *render.Engine
}

type githubRepo struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	HTMLURL       string `json:"html_url"`
}

type githubCommit struct {
	SHA string `json:"sha"`
}

type githubContentRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch,omitempty"`
}

type githubContentResponse struct {
	Commit githubCommit `json:"commit"`
}

// NewGitHub returns the ensure_repo_initialized adapter.
func NewGitHub(baseURL string, hc *http.Client, renderer *render.Engine) *GitHub {
	if baseURL == "" {
		baseURL = DefaultGitHubAPIURL
	}
	api := newAPIClient("GitHub", baseURL, hc)
	api.headers["X-GitHub-Api-Version"] = "2022-11-28"
	return &GitHub{api: api, renderer: renderer}
}

func (g *GitHub) Execute(ctx context.Context, in bootstrap.Input) bootstrap.Outcome {
	token := strings.TrimSpace(in.Credentials.GitHubToken)
	if token == "" {
		return bootstrap.Fail(bootstrap.KindInvalidCredentials, "GitHub token is required", "")
	}

	repository := in.Param("repository")
	if repository == "" {
		repository = in.ProjectID
	}
	owner, name, ok := splitRepository(repository)
	if !ok {
		return bootstrap.Fail(bootstrap.KindInvalidInput, "Repository must be in owner/name form", repository)
	}
	repoPath := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)

	var repo githubRepo
	if _, f := g.api.call(ctx, http.MethodGet, repoPath, nil, token, nil, &repo); f != nil {
		return bootstrap.Outcome{Failure: f}
	}
	branch := in.Param("branch")
	if branch == "" {
		branch = repo.DefaultBranch
	}
	if branch == "" {
		branch = "main"
	}

	meta := map[string]any{
		"repository":     owner + "/" + name,
		"default_branch": branch,
		"html_url":       repo.HTMLURL,
	}

	head, f := g.headCommit(ctx, repoPath, branch, token)
	if f != nil {
		return bootstrap.Outcome{Failure: f}
	}
	if head != "" {
		meta["initialized"] = false
		meta["head_sha"] = head
		return bootstrap.Success(meta)
	}

	if g.renderer == nil {
		return bootstrap.Fail(bootstrap.KindConfiguration, "README renderer is not configured", "")
	}
	readme, err := g.renderer.Readme(render.Readme{Name: name, ProjectID: in.ProjectID, Branch: branch})
	if err != nil {
		return bootstrap.Fail(bootstrap.KindUnknown, "Failed to render initial README", err.Error())
	}

	var created githubContentResponse
	status, f := g.api.call(ctx, http.MethodPut, repoPath+"/contents/README.md", nil, token, githubContentRequest{
		Message: "Initial commit",
		Content: base64.StdEncoding.EncodeToString([]byte(readme)),
	}, &created)
	if f != nil {
		if status != http.StatusUnprocessableEntity && status != http.StatusConflict {
			return bootstrap.Outcome{Failure: f}
		}
		// Someone else committed in between; accept their commit.
		head, again := g.headCommit(ctx, repoPath, branch, token)
		if again != nil {
			return bootstrap.Outcome{Failure: again}
		}
		if head == "" {
			return bootstrap.Outcome{Failure: f}
		}
		meta["initialized"] = false
		meta["head_sha"] = head
		return bootstrap.Success(meta)
	}

	meta["initialized"] = true
	meta["head_sha"] = created.Commit.SHA
	return bootstrap.Success(meta)
}

// headCommit returns the newest commit sha on branch, or "" for an empty
// repository.
func (g *GitHub) headCommit(ctx context.Context, repoPath, branch, token string) (string, *bootstrap.Failure) {
	q := url.Values{}
	q.Set("sha", branch)
	q.Set("per_page", "1")

	var commits []githubCommit
	status, f := g.api.call(ctx, http.MethodGet, repoPath+"/commits", q, token, nil, &commits)
	switch {
	case status == http.StatusConflict:
		// "Git Repository is empty."
		return "", nil
	case status == http.StatusNotFound:
		// default branch not created yet
		return "", nil
	case f != nil:
		return "", f
	case len(commits) == 0:
		return "", nil
	}
	return commits[0].SHA, nil
}
