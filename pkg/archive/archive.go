// Package archive stores run transcripts as zstd-compressed JSON in object
// storage, optionally sealed to an age recipient.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
)

// EncryptedSuffix is appended to keys of age-sealed objects.
const EncryptedSuffix = ".age"

// ObjectStore is the subset of *s3.Client the archive needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Archive writes transcripts into one bucket.
type Archive struct {
	store      ObjectStore
	bucket     string
	recipients []age.Recipient
}

// New returns an Archive. recipient is an optional age X25519 public key.
func New(store ObjectStore, bucket, recipient string) (*Archive, error) {
	if store == nil {
		return nil, errors.New("archive: object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("archive: bucket is required")
	}
	a := &Archive{store: store, bucket: bucket}
	if recipient = strings.TrimSpace(recipient); recipient != "" {
		r, err := age.ParseX25519Recipient(recipient)
		if err != nil {
			return nil, fmt.Errorf("archive: parse recipient: %w", err)
		}
		a.recipients = append(a.recipients, r)
	}
	return a, nil
}

// Encrypted reports whether objects are sealed before upload.
func (a *Archive) Encrypted() bool {
	return len(a.recipients) > 0
}

// Key returns the object key Put uses for key.
func (a *Archive) Key(key string) string {
	if a.Encrypted() {
		return key + EncryptedSuffix
	}
	return key
}

// Put encodes v and uploads it, returning the object location.
func (a *Archive) Put(ctx context.Context, key string, v any) (string, error) {
	data, err := Encode(v, a.recipients...)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)

	key = a.Key(key)
	if err := a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), hex.EncodeToString(sum[:])); err != nil {
		return "", fmt.Errorf("archive: upload %s: %w", key, err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}

// Get downloads key and decodes it into v. Sealed objects need identities.
func (a *Archive) Get(ctx context.Context, key string, v any, identities ...age.Identity) error {
	body, err := a.store.GetObject(ctx, a.bucket, key)
	if err != nil {
		return fmt.Errorf("archive: download %s: %w", key, err)
	}
	defer body.Close()
	return Decode(body, v, identities...)
}

// Encode marshals v to JSON, compresses it and seals it when recipients
// are given.
func Encode(v any, recipients ...age.Recipient) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("archive: encode: %w", err)
	}

	var buf bytes.Buffer
	var sink io.Writer = &buf
	var sealer io.WriteCloser
	if len(recipients) > 0 {
		sealer, err = age.Encrypt(&buf, recipients...)
		if err != nil {
			return nil, fmt.Errorf("archive: encrypt: %w", err)
		}
		sink = sealer
	}

	zw, err := zstd.NewWriter(sink)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	if sealer != nil {
		if err := sealer.Close(); err != nil {
			return nil, fmt.Errorf("archive: encrypt: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(r io.Reader, v any, identities ...age.Identity) error {
	if len(identities) > 0 {
		plain, err := age.Decrypt(r, identities...)
		if err != nil {
			return fmt.Errorf("archive: decrypt: %w", err)
		}
		r = plain
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("archive: decompress: %w", err)
	}
	defer zr.Close()

	if err := json.NewDecoder(zr).Decode(v); err != nil {
		return fmt.Errorf("archive: decode: %w", err)
	}
	return nil
}

// ParseIdentities reads age identities, one per line, as produced by
// age-keygen.
func ParseIdentities(r io.Reader) ([]age.Identity, error) {
	ids, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("archive: parse identities: %w", err)
	}
	return ids, nil
}
