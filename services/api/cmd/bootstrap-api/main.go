package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"agentboard/pkg/archive"
	"agentboard/pkg/bus"
	"agentboard/pkg/config"
	"agentboard/pkg/db"
	"agentboard/pkg/render"
	"agentboard/pkg/s3"
	"agentboard/pkg/secretbox"
	"agentboard/pkg/telemetry"
	"agentboard/services/api"
	"agentboard/services/bootstrap"
	"agentboard/services/bootstrap/providers"
)

const serviceName = "bootstrap-api"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	cipher, err := secretbox.New(cfg.SecretsEncryptionKey)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	if !cipher.Configured() {
		logger.Warn().Msg("SECRETS_ENCRYPTION_KEY is not set; database credential steps will fail")
	}

	deps, cleanup, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	renderer, err := render.New()
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}

	opts := bootstrap.Options{
		Store:       deps.store,
		Credentials: deps.creds,
		Cipher:      cipher,
		Adapters: providers.Adapters(providers.Config{
			GitHubAPIURL:   cfg.GitHubAPIURL,
			SupabaseAPIURL: cfg.SupabaseAPIURL,
			VercelAPIURL:   cfg.VercelAPIURL,
			SupabaseRegion: cfg.SupabaseRegion,
			SupabasePlan:   cfg.SupabasePlan,
			KeyPollTimeout: cfg.KeyPollTimeout,
			HealthPath:     cfg.HealthPath,
			VerifyInterval: cfg.VerifyInterval,
			VerifyTimeout:  cfg.VerifyTimeout,
		}, renderer),
		Auditor:    bootstrap.NewAuditor(deps.audit, logger),
		Metrics:    bootstrap.NewMetrics(prometheus.DefaultRegisterer),
		Logger:     logger,
		// a step still running after the request deadline has lost its caller
		StaleAfter: cfg.ExecuteTimeout + time.Minute,
	}

	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL, nats.Name(serviceName), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		opts.Events = b
		deps.checks = append(deps.checks, func(context.Context) error { return b.Ping() })
	}

	if cfg.TranscriptsEnabled() {
		client, err := s3.New(ctx, cfg.S3)
		if err != nil {
			return fmt.Errorf("init s3: %w", err)
		}
		arc, err := archive.New(client, cfg.TranscriptBucket, cfg.TranscriptAgeRecipient)
		if err != nil {
			return err
		}
		opts.Archive = arc
	}

	engine, err := bootstrap.NewEngine(opts)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	a, err := api.New(engine, api.Config{
		RequestTimeout: cfg.RequestTimeout,
		ExecuteTimeout: cfg.ExecuteTimeout,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		Ready:          deps.ready,
		Gatherer:       prometheus.DefaultGatherer,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	routes, err := a.Routes()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           telemetry.Middleware(serviceName, logger)(routes),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.ExecuteTimeout + 30*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting " + serviceName)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	return nil
}

type storage struct {
	store  bootstrap.Store
	creds  bootstrap.CredentialStore
	audit  bootstrap.AuditSink
	checks []func(context.Context) error
}

func (s *storage) ready(ctx context.Context) error {
	for _, check := range s.checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// openStorage connects to Postgres and applies migrations, or falls back to
// process memory when DB_DSN is unset.
func openStorage(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*storage, func(), error) {
	if cfg.DBDSN == "" {
		logger.Warn().Msg("DB_DSN is not set; runs are kept in memory only")
		mem := bootstrap.NewMemoryStore()
		return &storage{store: mem, creds: mem, audit: &bootstrap.MemoryAuditSink{}}, func() {}, nil
	}

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("database migrated")

	orm, err := db.OpenORM(ctx, cfg.DBDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("open orm: %w", err)
	}
	cleanup := func() {
		if err := db.CloseORM(orm); err != nil {
			logger.Error().Err(err).Msg("close orm")
		}
		pool.Close()
	}

	store, err := bootstrap.NewGormStore(orm)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	creds, err := bootstrap.NewPgCredentialStore(pool)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	sink, err := bootstrap.NewGormAuditSink(orm)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &storage{
		store:  store,
		creds:  creds,
		audit:  sink,
		checks: []func(context.Context) error{func(ctx context.Context) error { return db.Ping(ctx, pool) }},
	}, cleanup, nil
}
