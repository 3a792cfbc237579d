package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"

	"agentboard/pkg/s3"
)

// Config holds runtime configuration shared by bootstrap-api and
// bootstrapctl.
type Config struct {
	Addr  string `env:"ADDR,default=:8080"`
	DBDSN string `env:"DB_DSN"`

	// SecretsEncryptionKey is hex, base64 or a passphrase. Empty leaves the
	// cipher unconfigured and credential steps fail with configuration_error.
	SecretsEncryptionKey string `env:"SECRETS_ENCRYPTION_KEY"`

	NATSURL                string `env:"NATS_URL"`
	S3                     s3.Config
	TranscriptBucket       string `env:"TRANSCRIPT_BUCKET"`
	TranscriptAgeRecipient string `env:"TRANSCRIPT_AGE_RECIPIENT"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	LogFormat    string `env:"LOG_FORMAT,default=json"`

	JWTSecret      string        `env:"API_JWT_SECRET"`
	AllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS"`
	RateLimit      int           `env:"RATE_LIMIT_PER_MINUTE,default=120"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT,default=10s"`
	ExecuteTimeout time.Duration `env:"EXECUTE_TIMEOUT,default=5m"`

	GitHubAPIURL   string        `env:"GITHUB_API_URL,default=https://api.github.com"`
	SupabaseAPIURL string        `env:"SUPABASE_API_URL,default=https://api.supabase.com"`
	VercelAPIURL   string        `env:"VERCEL_API_URL,default=https://api.vercel.com"`
	SupabaseRegion string        `env:"SUPABASE_REGION,default=us-east-1"`
	SupabasePlan   string        `env:"SUPABASE_PLAN,default=free"`
	KeyPollTimeout time.Duration `env:"SUPABASE_KEY_TIMEOUT,default=1m"`
	HealthPath     string        `env:"HEALTH_PATH,default=/api/health"`
	VerifyInterval time.Duration `env:"VERIFY_INTERVAL,default=5s"`
	VerifyTimeout  time.Duration `env:"VERIFY_TIMEOUT,default=2m"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads configuration through l.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.TranscriptBucket != "" && !c.S3.Enabled() {
		return errors.New("TRANSCRIPT_BUCKET requires S3_ENDPOINT")
	}
	durations := map[string]time.Duration{
		"REQUEST_TIMEOUT":      c.RequestTimeout,
		"EXECUTE_TIMEOUT":      c.ExecuteTimeout,
		"SUPABASE_KEY_TIMEOUT": c.KeyPollTimeout,
		"VERIFY_INTERVAL":      c.VerifyInterval,
		"VERIFY_TIMEOUT":       c.VerifyTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.VerifyInterval > c.VerifyTimeout {
		return errors.New("VERIFY_INTERVAL must not exceed VERIFY_TIMEOUT")
	}
	if c.RateLimit <= 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must be positive")
	}
	return nil
}

// TranscriptsEnabled reports whether completed runs are archived.
func (c Config) TranscriptsEnabled() bool {
	return c.TranscriptBucket != "" && c.S3.Enabled()
}
