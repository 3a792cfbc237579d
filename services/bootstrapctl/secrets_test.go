package bootstrapctl

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentboard/pkg/secretbox"
	"agentboard/services/bootstrap"
)

func newCipher(t *testing.T, key string) *secretbox.Cipher {
	t.Helper()
	c, err := secretbox.New(key)
	require.NoError(t, err)
	return c
}

func TestReencryptSealsPlaintext(t *testing.T) {
	ctx := context.Background()
	store := bootstrap.NewMemoryStore()
	to := newCipher(t, "current-key")

	sealed, err := to.Encrypt("already-sealed")
	require.NoError(t, err)
	require.NoError(t, store.UpsertCredential(ctx, bootstrap.Credential{ProjectID: "a", ServiceRoleKey: "eyJhbGciOi.legacy.service", AnonKey: "eyJhbGciOi.legacy.anon"}))
	require.NoError(t, store.UpsertCredential(ctx, bootstrap.Credential{ProjectID: "b", ServiceRoleKey: sealed}))

	var out bytes.Buffer
	res, err := Reencrypt(ctx, ReencryptConfig{Credentials: store, To: to, Stdout: &out})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Rewritten)
	assert.Contains(t, out.String(), "re-encrypted a")

	got, err := store.GetCredential(ctx, "a")
	require.NoError(t, err)
	plain, err := to.Decrypt(got.ServiceRoleKey)
	require.NoError(t, err)
	assert.Equal(t, "eyJhbGciOi.legacy.service", plain)
	plain, err = to.Decrypt(got.AnonKey)
	require.NoError(t, err)
	assert.Equal(t, "eyJhbGciOi.legacy.anon", plain)

	untouched, err := store.GetCredential(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, sealed, untouched.ServiceRoleKey)
	assert.Empty(t, untouched.AnonKey)
}

func TestReencryptRotatesKey(t *testing.T) {
	ctx := context.Background()
	store := bootstrap.NewMemoryStore()
	from := newCipher(t, "old-key")
	to := newCipher(t, "new-key")

	old, err := from.Encrypt("service-secret")
	require.NoError(t, err)
	require.NoError(t, store.UpsertCredential(ctx, bootstrap.Credential{ProjectID: "a", ServiceRoleKey: old}))

	res, err := Reencrypt(ctx, ReencryptConfig{Credentials: store, To: to, From: from})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rewritten)

	got, err := store.GetCredential(ctx, "a")
	require.NoError(t, err)
	plain, err := to.Decrypt(got.ServiceRoleKey)
	require.NoError(t, err)
	assert.Equal(t, "service-secret", plain)
}

func TestReencryptDryRunLeavesStore(t *testing.T) {
	ctx := context.Background()
	store := bootstrap.NewMemoryStore()
	require.NoError(t, store.UpsertCredential(ctx, bootstrap.Credential{ProjectID: "a", AnonKey: "eyJ.plain.anon"}))

	var out bytes.Buffer
	res, err := Reencrypt(ctx, ReencryptConfig{Credentials: store, To: newCipher(t, "k"), DryRun: true, Stdout: &out})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rewritten)
	assert.Contains(t, out.String(), "would re-encrypt a")

	got, err := store.GetCredential(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "eyJ.plain.anon", got.AnonKey)
}

func TestReencryptUnknownKeyFails(t *testing.T) {
	ctx := context.Background()
	store := bootstrap.NewMemoryStore()
	foreign, err := newCipher(t, "someone-else").Encrypt("secret")
	require.NoError(t, err)
	require.NoError(t, store.UpsertCredential(ctx, bootstrap.Credential{ProjectID: "a", ServiceRoleKey: foreign}))

	_, err = Reencrypt(ctx, ReencryptConfig{Credentials: store, To: newCipher(t, "mine")})
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnknownKey)
	assert.Contains(t, err.Error(), "project a")
}

func TestReencryptRequiresTargetKey(t *testing.T) {
	_, err := Reencrypt(context.Background(), ReencryptConfig{Credentials: bootstrap.NewMemoryStore(), To: newCipher(t, "")})
	assert.Error(t, err)

	_, err = Reencrypt(context.Background(), ReencryptConfig{To: newCipher(t, "k")})
	assert.Error(t, err)
}
