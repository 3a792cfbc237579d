// Package secretbox encrypts short sensitive strings (service credentials)
// for storage at rest.
//
// Ciphertexts are AES-256-GCM sealed with a fresh 12 byte nonce and encoded
// as standard base64 of nonce ‖ tag ‖ ciphertext.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

var (
	// ErrNotConfigured is returned when no key material was supplied.
	ErrNotConfigured = errors.New("secretbox: encryption key is not configured")
	// ErrEmptyPlaintext is returned when asked to encrypt an empty string.
	ErrEmptyPlaintext = errors.New("secretbox: plaintext is empty")
	// ErrEmptyCiphertext is returned when asked to decrypt an empty string.
	ErrEmptyCiphertext = errors.New("secretbox: ciphertext is empty")
	// ErrIntegrity is returned when a ciphertext is malformed or fails authentication.
	ErrIntegrity = errors.New("secretbox: ciphertext failed integrity check")
)

// Cipher seals and opens strings with a single process-wide key.
type Cipher struct {
	aead cipher.AEAD
}

// New builds a Cipher from operator supplied key material. A value that
// decodes (hex or base64) to exactly KeySize bytes is used as the key;
// anything else is treated as a passphrase and digested with BLAKE3-256.
// Empty key material yields a Cipher whose operations fail with
// ErrNotConfigured, so callers can construct one unconditionally.
func New(keyMaterial string) (*Cipher, error) {
	keyMaterial = strings.TrimSpace(keyMaterial)
	if keyMaterial == "" {
		return &Cipher{}, nil
	}

	block, err := aes.NewCipher(resolveKey(keyMaterial))
	if err != nil {
		return nil, fmt.Errorf("secretbox: init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("secretbox: init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Configured reports whether key material was supplied.
func (c *Cipher) Configured() bool {
	return c != nil && c.aead != nil
}

// Encrypt seals plaintext. Two calls with the same input return different
// ciphertexts.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secretbox: read nonce: %w", err)
	}

	// Seal appends ciphertext‖tag; the stored layout puts the tag first.
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, NonceSize+TagSize+len(body))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, body...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	ciphertext = strings.TrimSpace(ciphertext)
	if ciphertext == "" {
		return "", ErrEmptyCiphertext
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrIntegrity)
	}
	if len(raw) < NonceSize+TagSize {
		return "", fmt.Errorf("%w: input too short", ErrIntegrity)
	}

	nonce := raw[:NonceSize]
	tag := raw[NonceSize : NonceSize+TagSize]
	body := raw[NonceSize+TagSize:]

	sealed := make([]byte, 0, len(body)+TagSize)
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrIntegrity
	}
	return string(plain), nil
}

// LooksEncrypted reports whether value has the shape of an Encrypt output.
// It is a migration heuristic for telling legacy plaintext apart from
// sealed values and must not be used for access decisions.
func LooksEncrypted(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return false
	}
	return len(raw) > NonceSize+TagSize
}

// GenerateKey returns a random key encoded as hex, suitable for the
// encryption key setting.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

func resolveKey(material string) []byte {
	if decoded, err := hex.DecodeString(material); err == nil && len(decoded) == KeySize {
		return decoded
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(material); err == nil && len(decoded) == KeySize {
			return decoded
		}
	}
	digest := blake3.Sum256([]byte(material))
	return digest[:]
}
