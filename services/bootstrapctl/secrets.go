package bootstrapctl

import (
	"context"
	"errors"
	"fmt"
	"io"

	"agentboard/pkg/secretbox"
	"agentboard/services/bootstrap"
)

// ReencryptConfig controls a credential re-encryption pass.
type ReencryptConfig struct {
	Credentials bootstrap.CredentialStore
	// To is the cipher every stored key ends up sealed with.
	To *secretbox.Cipher
	// From optionally opens values sealed under a previous key.
	From   *secretbox.Cipher
	DryRun bool
	Stdout io.Writer
}

// ReencryptResult counts what a pass touched.
type ReencryptResult struct {
	Scanned   int
	Rewritten int
}

var errUnknownKey = errors.New("value is sealed with an unknown key")

// Reencrypt seals legacy plaintext keys and moves values sealed under From
// to To. Values already readable with To are left alone.
func Reencrypt(ctx context.Context, cfg ReencryptConfig) (*ReencryptResult, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("credential store is required")
	}
	if cfg.To == nil || !cfg.To.Configured() {
		return nil, errors.New("target encryption key is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	creds, err := cfg.Credentials.ListCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	res := &ReencryptResult{}
	for _, cred := range creds {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++

		service, changedService, err := reseal(cfg.From, cfg.To, cred.ServiceRoleKey)
		if err != nil {
			return res, fmt.Errorf("project %s service role key: %w", cred.ProjectID, err)
		}
		anon, changedAnon, err := reseal(cfg.From, cfg.To, cred.AnonKey)
		if err != nil {
			return res, fmt.Errorf("project %s anon key: %w", cred.ProjectID, err)
		}
		if !changedService && !changedAnon {
			continue
		}

		res.Rewritten++
		if cfg.DryRun {
			fmt.Fprintf(cfg.Stdout, "would re-encrypt %s\n", cred.ProjectID)
			continue
		}
		cred.ServiceRoleKey = service
		cred.AnonKey = anon
		if err := cfg.Credentials.UpsertCredential(ctx, cred); err != nil {
			return res, fmt.Errorf("update project %s: %w", cred.ProjectID, err)
		}
		fmt.Fprintf(cfg.Stdout, "re-encrypted %s\n", cred.ProjectID)
	}
	return res, nil
}

func reseal(from, to *secretbox.Cipher, value string) (string, bool, error) {
	if value == "" {
		return value, false, nil
	}
	if _, err := to.Decrypt(value); err == nil {
		return value, false, nil
	}
	if from != nil && from.Configured() {
		if plain, err := from.Decrypt(value); err == nil {
			sealed, err := to.Encrypt(plain)
			return sealed, err == nil, err
		}
	}
	if secretbox.LooksEncrypted(value) {
		return "", false, errUnknownKey
	}
	sealed, err := to.Encrypt(value)
	return sealed, err == nil, err
}
