package s3

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)

	_, err = New(context.Background(), Config{Endpoint: "minio:9000"})
	require.Error(t, err)

	assert.False(t, Config{Endpoint: "  "}.Enabled())
	assert.True(t, Config{Endpoint: "minio:9000"}.Enabled())
}

func TestPresignGet(t *testing.T) {
	c, err := New(context.Background(), Config{
		Endpoint:       "minio:9000",
		AccessKey:      "access",
		SecretKey:      "secret",
		DisableTLS:     true,
		ForcePathStyle: true,
	})
	require.NoError(t, err)

	raw, err := c.PresignGet(context.Background(), "transcripts", "bootstrap/acme/run.json.zst", 5*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "minio:9000", u.Host)
	assert.Equal(t, "/transcripts/bootstrap/acme/run.json.zst", u.Path)
	assert.Equal(t, "300", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}

func TestEncodeSHA256(t *testing.T) {
	got, err := encodeSHA256("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	require.NoError(t, err)
	assert.Equal(t, "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", got)

	_, err = encodeSHA256("")
	assert.Error(t, err)
	_, err = encodeSHA256("zz")
	assert.Error(t, err)
}

func TestNilClient(t *testing.T) {
	var c *Client
	_, err := c.GetObject(context.Background(), "b", "k")
	assert.Error(t, err)
	_, err = c.PresignGet(context.Background(), "b", "k", time.Minute)
	assert.Error(t, err)
}
