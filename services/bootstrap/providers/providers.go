// Package providers implements the step adapters against GitHub, Supabase,
// Vercel and the deployed application itself.
package providers

import (
	"net/http"
	"time"

	"agentboard/pkg/render"
	"agentboard/services/bootstrap"
)

// Config collects provider endpoints and tuning.
type Config struct {
	GitHubAPIURL   string
	SupabaseAPIURL string
	VercelAPIURL   string
	SupabaseRegion string
	SupabasePlan   string
	KeyPollTimeout time.Duration
	HealthPath     string
	VerifyInterval time.Duration
	VerifyTimeout  time.Duration
	HTTPClient     *http.Client
}

// Adapters returns one adapter per registry step.
func Adapters(cfg Config, renderer *render.Engine) map[bootstrap.StepID]bootstrap.Adapter {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = NewHTTPClient(0)
	}
	return map[bootstrap.StepID]bootstrap.Adapter{
		bootstrap.StepEnsureRepoInitialized: NewGitHub(cfg.GitHubAPIURL, hc, renderer),
		bootstrap.StepCreateBackingDatabaseProject: NewSupabase(SupabaseConfig{
			BaseURL:        cfg.SupabaseAPIURL,
			Region:         cfg.SupabaseRegion,
			Plan:           cfg.SupabasePlan,
			KeyPollTimeout: cfg.KeyPollTimeout,
		}, hc),
		bootstrap.StepCreateHostingProject: NewVercel(cfg.VercelAPIURL, hc),
		bootstrap.StepVerifyDeployment: NewHealth(HealthConfig{
			Path:     cfg.HealthPath,
			Interval: cfg.VerifyInterval,
			Timeout:  cfg.VerifyTimeout,
		}, hc),
	}
}
