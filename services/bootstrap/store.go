package bootstrap

import (
	"context"
	"time"
)

// Store persists runs with their step records and logs.
//
// CreateRun must be atomic with respect to the one-active-run-per-project
// rule: when an active run already exists it returns that run and
// created=false instead of inserting.
type Store interface {
	CreateRun(ctx context.Context, run *Run) (stored *Run, created bool, err error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	ActiveRun(ctx context.Context, projectID string) (*Run, error)
	LatestRun(ctx context.Context, projectID string) (*Run, error)
	ListRuns(ctx context.Context, projectID string) ([]*Run, error)
	// SaveRun writes run-level fields and every step record, and appends the
	// given log entries. Existing log entries are never rewritten.
	SaveRun(ctx context.Context, run *Run, appended ...LogEntry) error
}

// Credential is the stored record of keys issued for a project's backing
// database. Key fields hold ciphertext only.
type Credential struct {
	ProjectID      string    `db:"project_id"`
	DatabaseRef    string    `db:"database_ref"`
	DatabaseURL    string    `db:"database_url"`
	DatabaseRegion string    `db:"database_region"`
	ServiceRoleKey string    `db:"service_role_key"`
	AnonKey        string    `db:"anon_key"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Project returns the non-secret part of the record.
func (c Credential) Project() DatabaseProject {
	return DatabaseProject{Ref: c.DatabaseRef, URL: c.DatabaseURL, Region: c.DatabaseRegion}
}

// CredentialSummary is the caller-facing view of a credential record.
type CredentialSummary struct {
	ProjectID         string    `json:"project_id" yaml:"project_id"`
	DatabaseRef       string    `json:"database_ref" yaml:"database_ref"`
	DatabaseURL       string    `json:"database_url" yaml:"database_url"`
	DatabaseRegion    string    `json:"database_region" yaml:"database_region"`
	HasServiceRoleKey bool      `json:"has_service_role_key" yaml:"has_service_role_key"`
	HasAnonKey        bool      `json:"has_anon_key" yaml:"has_anon_key"`
	UpdatedAt         time.Time `json:"updated_at" yaml:"updated_at"`
}

// Summary drops the ciphertexts.
func (c Credential) Summary() CredentialSummary {
	return CredentialSummary{
		ProjectID:         c.ProjectID,
		DatabaseRef:       c.DatabaseRef,
		DatabaseURL:       c.DatabaseURL,
		DatabaseRegion:    c.DatabaseRegion,
		HasServiceRoleKey: c.ServiceRoleKey != "",
		HasAnonKey:        c.AnonKey != "",
		UpdatedAt:         c.UpdatedAt,
	}
}

// CredentialStore persists credential records keyed by project id.
type CredentialStore interface {
	GetCredential(ctx context.Context, projectID string) (*Credential, error)
	UpsertCredential(ctx context.Context, cred Credential) error
	ListCredentials(ctx context.Context) ([]Credential, error)
}
