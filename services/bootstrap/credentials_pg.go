package bootstrap

import (
	"context"
	"errors"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentboard/pkg/db"
)

const (
	selectCredentialSQL = `
SELECT project_id, database_ref, database_url, database_region, service_role_key, anon_key, created_at, updated_at
FROM project_credentials
WHERE project_id = $1`

	listCredentialsSQL = `
SELECT project_id, database_ref, database_url, database_region, service_role_key, anon_key, created_at, updated_at
FROM project_credentials
ORDER BY project_id`

	upsertCredentialSQL = `
INSERT INTO project_credentials (project_id, database_ref, database_url, database_region, service_role_key, anon_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now(), now())
ON CONFLICT (project_id) DO UPDATE SET
	database_ref = EXCLUDED.database_ref,
	database_url = EXCLUDED.database_url,
	database_region = EXCLUDED.database_region,
	service_role_key = EXCLUDED.service_role_key,
	anon_key = EXCLUDED.anon_key,
	updated_at = now()`
)

// PgCredentialStore keeps credential records in project_credentials using
// raw SQL over a pgx pool.
type PgCredentialStore struct {
	pool *pgxpool.Pool
}

// NewPgCredentialStore wraps pool.
func NewPgCredentialStore(pool *pgxpool.Pool) (*PgCredentialStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PgCredentialStore{pool: pool}, nil
}

func (s *PgCredentialStore) GetCredential(ctx context.Context, projectID string) (*Credential, error) {
	var cred Credential
	if err := db.Get(ctx, s.pool, &cred, selectCredentialSQL, projectID); err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return &cred, nil
}

func (s *PgCredentialStore) UpsertCredential(ctx context.Context, cred Credential) error {
	_, err := db.Exec(ctx, s.pool, upsertCredentialSQL,
		cred.ProjectID,
		cred.DatabaseRef,
		cred.DatabaseURL,
		cred.DatabaseRegion,
		cred.ServiceRoleKey,
		cred.AnonKey,
	)
	return err
}

func (s *PgCredentialStore) ListCredentials(ctx context.Context) ([]Credential, error) {
	var out []Credential
	if err := db.Select(ctx, s.pool, &out, listCredentialsSQL); err != nil {
		return nil, err
	}
	return out, nil
}
