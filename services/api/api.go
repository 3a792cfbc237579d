// Package api exposes the bootstrap engine over HTTP.
package api

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"agentboard/services/bootstrap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultExecuteTimeout = 5 * time.Minute
	defaultRateLimit      = 120
)

// Bootstrapper is the engine surface the handlers depend on.
type Bootstrapper interface {
	CreateRun(ctx context.Context, projectID string) (*bootstrap.Run, bool, error)
	GetRun(ctx context.Context, runID string) (*bootstrap.Run, error)
	GetRunByProject(ctx context.Context, projectID string) (*bootstrap.Run, error)
	ListRuns(ctx context.Context, projectID string) ([]*bootstrap.Run, error)
	ExecuteStep(ctx context.Context, req bootstrap.ExecuteRequest) (*bootstrap.Run, *bootstrap.StepResult, error)
	RetryStep(ctx context.Context, runID string, stepID bootstrap.StepID) (*bootstrap.Run, error)
	CredentialStatus(ctx context.Context, projectID string) (*bootstrap.CredentialSummary, error)
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	RequestTimeout time.Duration
	ExecuteTimeout time.Duration
	// JWTSecret enables HS256 bearer auth on /v1 when set.
	JWTSecret      string
	AllowedOrigins []string
	// RateLimit is requests per minute per client IP.
	RateLimit int
	// Ready backs /readyz; nil means always ready.
	Ready    func(context.Context) error
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// API wires the engine and configuration for HTTP handlers.
type API struct {
	engine   Bootstrapper
	config   Config
	validate *validator.Validate
	log      zerolog.Logger
}

// New initialises the API layer with defaults applied to cfg.
func New(engine Bootstrapper, cfg Config) (*API, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = defaultExecuteTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &API{
		engine:   engine,
		config:   cfg,
		validate: v,
		log:      cfg.Logger,
	}, nil
}
