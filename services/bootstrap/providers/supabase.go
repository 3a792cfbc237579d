package providers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"agentboard/services/bootstrap"
)

const (
	DefaultSupabaseAPIURL = "https://api.supabase.com"
	DefaultSupabaseRegion = "us-east-1"
	DefaultSupabasePlan   = "free"
)

var projectNameInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// SupabaseConfig tunes the database adapter.
type SupabaseConfig struct {
	BaseURL         string
	Region          string
	Plan            string
	KeyPollInterval time.Duration
	KeyPollTimeout  time.Duration
}

// Supabase creates the backing database project and fetches its keys.
type Supabase struct {
	api *apiClient
	cfg SupabaseConfig
}

type supabaseCreateProject struct {
	Name           string `json:"name"`
	OrganizationID string `json:"organization_id"`
	Region         string `json:"region"`
	Plan           string `json:"plan,omitempty"`
	DBPass         string `json:"db_pass"`
}

type supabaseProject struct {
	ID     string `json:"id"`
	Ref    string `json:"ref"`
	Name   string `json:"name"`
	Region string `json:"region"`
	Status string `json:"status"`
}

type supabaseAPIKey struct {
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
}

var errKeysNotReady = errors.New("database keys are not ready yet")

// NewSupabase returns the create_backing_database_project adapter.
func NewSupabase(cfg SupabaseConfig, hc *http.Client) *Supabase {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSupabaseAPIURL
	}
	if cfg.Region == "" {
		cfg.Region = DefaultSupabaseRegion
	}
	if cfg.Plan == "" {
		cfg.Plan = DefaultSupabasePlan
	}
	if cfg.KeyPollInterval <= 0 {
		cfg.KeyPollInterval = 2 * time.Second
	}
	if cfg.KeyPollTimeout <= 0 {
		cfg.KeyPollTimeout = time.Minute
	}
	return &Supabase{api: newAPIClient("Supabase", cfg.BaseURL, hc), cfg: cfg}
}

func (s *Supabase) Execute(ctx context.Context, in bootstrap.Input) bootstrap.Outcome {
	token := strings.TrimSpace(in.Credentials.SupabaseAccessToken)
	if token == "" {
		return bootstrap.Fail(bootstrap.KindInvalidCredentials, "Supabase access token is required", "")
	}

	project := bootstrap.DatabaseProject{}
	reused := in.Database != nil && in.Database.Ref != ""
	if reused {
		project = *in.Database
	} else {
		orgID := strings.TrimSpace(in.Credentials.SupabaseOrgID)
		if orgID == "" {
			return bootstrap.Fail(bootstrap.KindInvalidCredentials, "Supabase organization id is required", "")
		}
		created, outcome := s.createProject(ctx, in, orgID, token)
		if outcome != nil {
			return *outcome
		}
		project = created
	}
	if project.URL == "" {
		project.URL = projectURL(project.Ref)
	}

	keys, f := s.fetchKeys(ctx, project.Ref, token)
	if f != nil {
		out := bootstrap.Outcome{Failure: f}
		if !reused {
			// keep the new project so a retry does not create another one
			out.Keys = &bootstrap.DatabaseKeys{DatabaseProject: project}
		}
		return out
	}
	keys.DatabaseProject = project

	return bootstrap.Outcome{
		Metadata: map[string]any{
			"ref":    project.Ref,
			"url":    project.URL,
			"region": project.Region,
			"reused": reused,
		},
		Keys: keys,
	}
}

func (s *Supabase) createProject(ctx context.Context, in bootstrap.Input, orgID, token string) (bootstrap.DatabaseProject, *bootstrap.Outcome) {
	region := in.Param("region")
	if region == "" {
		region = s.cfg.Region
	}
	plan := in.Param("plan")
	if plan == "" {
		plan = s.cfg.Plan
	}
	name := in.Param("name")
	if name == "" {
		name = projectName(in.ProjectID)
	}

	password, err := generatePassword()
	if err != nil {
		out := bootstrap.Fail(bootstrap.KindUnknown, "Failed to generate database password", err.Error())
		return bootstrap.DatabaseProject{}, &out
	}

	var created supabaseProject
	_, f := s.api.call(ctx, http.MethodPost, "/v1/projects", nil, token, supabaseCreateProject{
		Name:           name,
		OrganizationID: orgID,
		Region:         region,
		Plan:           plan,
		DBPass:         password,
	}, &created)
	if f != nil {
		out := bootstrap.Outcome{Failure: f}
		return bootstrap.DatabaseProject{}, &out
	}

	ref := created.Ref
	if ref == "" {
		ref = created.ID
	}
	if ref == "" {
		out := bootstrap.Fail(bootstrap.KindUnknown, "Supabase did not return a project reference", "")
		return bootstrap.DatabaseProject{}, &out
	}
	if created.Region != "" {
		region = created.Region
	}
	return bootstrap.DatabaseProject{Ref: ref, URL: projectURL(ref), Region: region}, nil
}

// fetchKeys polls until both keys are issued or the poll timeout elapses.
func (s *Supabase) fetchKeys(ctx context.Context, ref, token string) (*bootstrap.DatabaseKeys, *bootstrap.Failure) {
	path := "/v1/projects/" + url.PathEscape(ref) + "/api-keys"
	q := url.Values{}
	q.Set("reveal", "true")

	var (
		keys    bootstrap.DatabaseKeys
		lastErr *bootstrap.Failure
	)
	b := retry.WithMaxDuration(s.cfg.KeyPollTimeout, retry.NewConstant(s.cfg.KeyPollInterval))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var list []supabaseAPIKey
		status, f := s.api.call(ctx, http.MethodGet, path, q, token, nil, &list)
		if f != nil {
			lastErr = f
			// a fresh project answers 404 until provisioning finishes
			if status == http.StatusNotFound || f.Kind == bootstrap.KindNetwork {
				return retry.RetryableError(f)
			}
			return f
		}
		for _, k := range list {
			switch k.Name {
			case "service_role":
				keys.ServiceRoleKey = k.APIKey
			case "anon":
				keys.AnonKey = k.APIKey
			}
		}
		if keys.ServiceRoleKey == "" || keys.AnonKey == "" {
			lastErr = nil
			return retry.RetryableError(errKeysNotReady)
		}
		return nil
	})
	if err == nil {
		return &keys, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &bootstrap.Failure{
		Kind:    bootstrap.KindNetwork,
		Message: "Supabase project keys were not issued in time",
		Details: fmt.Sprintf("project %s: %v", ref, err),
	}
}

func projectURL(ref string) string {
	return "https://" + ref + ".supabase.co"
}

func projectName(projectID string) string {
	name := strings.ToLower(strings.TrimSpace(projectID))
	name = projectNameInvalid.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "agentboard-project"
	}
	return name
}

func generatePassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
