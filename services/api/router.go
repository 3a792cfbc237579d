package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.config.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1/bootstrap", func(r chi.Router) {
		r.Use(httprate.LimitByIP(a.config.RateLimit, time.Minute))
		r.Use(a.authenticate)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(a.config.RequestTimeout))
			r.Get("/steps", a.handleListSteps)
			r.Get("/credentials", a.handleCredentialStatus)
			r.Post("/runs", a.handleCreateRun)
			r.Get("/runs", a.handleListRuns)
			r.Get("/runs/{runID}", a.handleGetRun)
			r.Post("/runs/{runID}/steps/{step}/retry", a.handleRetryStep)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(a.config.ExecuteTimeout))
			r.Post("/runs/{runID}/steps/execute", a.handleExecuteStep)
		})
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.config.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.config.Ready(ctx); err != nil {
			a.log.Warn().Err(err).Msg("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
