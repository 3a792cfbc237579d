package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"agentboard/services/bootstrap"
)

const DefaultHealthPath = "/api/health"

// HealthConfig bounds deployment verification.
type HealthConfig struct {
	Path     string
	Interval time.Duration
	Timeout  time.Duration
}

// Health polls the deployed application until it reports healthy.
type Health struct {
	hc  *http.Client
	cfg HealthConfig
}

// NewHealth returns the verify_deployment adapter.
func NewHealth(cfg HealthConfig, hc *http.Client) *Health {
	if cfg.Path == "" {
		cfg.Path = DefaultHealthPath
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if hc == nil {
		hc = NewHTTPClient(15 * time.Second)
	}
	return &Health{hc: hc, cfg: cfg}
}

func (h *Health) Execute(ctx context.Context, in bootstrap.Input) bootstrap.Outcome {
	base := in.Param("deployment_url")
	if base == "" {
		base = in.OutputString(bootstrap.StepCreateHostingProject, "deployment_url")
	}
	if base == "" {
		return bootstrap.Fail(bootstrap.KindResourceNotFound,
			"Deployment URL not found; run "+string(bootstrap.StepCreateHostingProject)+" first", "")
	}
	path := in.Param("health_path")
	if path == "" {
		path = h.cfg.Path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := strings.TrimRight(base, "/") + path
	if u, err := url.Parse(target); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return bootstrap.Fail(bootstrap.KindInvalidInput, "Deployment URL is not a valid http(s) URL", urlErrorDetails(target, err))
	}

	var (
		attempts   int
		lastStatus int
		lastErr    error
	)
	b := retry.WithMaxDuration(h.cfg.Timeout, retry.NewConstant(h.cfg.Interval))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		status, err := h.fetch(ctx, target)
		lastStatus, lastErr = status, err
		if err != nil {
			return retry.RetryableError(err)
		}
		if status < 200 || status > 299 {
			return retry.RetryableError(fmt.Errorf("health check returned status %d", status))
		}
		return nil
	})
	if err != nil {
		details := fmt.Sprintf("%s: %d attempts", target, attempts)
		if lastStatus != 0 {
			details += fmt.Sprintf(", last status %d", lastStatus)
		}
		if lastErr != nil {
			details += ", last error: " + lastErr.Error()
		}
		return bootstrap.Fail(bootstrap.KindNetwork, "Deployment did not become healthy in time", details)
	}

	return bootstrap.Success(map[string]any{
		"url":         target,
		"status_code": lastStatus,
		"attempts":    attempts,
	})
}

func (h *Health) fetch(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, nil
}

func urlErrorDetails(target string, err error) string {
	if err != nil {
		return err.Error()
	}
	return target
}
