// Package crypto seals configuration secrets (controller password, archive
// keys, database DSNs) so they can sit in a config file at rest.
//
// A sealed value is "enc:" followed by base64(nonce || AES-256-GCM
// ciphertext). The master key is 32 random bytes, base64 encoded.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SealedPrefix marks a sealed value.
const SealedPrefix = "enc:"

// KeyEnv is the environment variable holding the master key.
const KeyEnv = "TOOLALIGN_MASTER_KEY"

var (
	ErrNoKey     = errors.New("sealed secret found but " + KeyEnv + " is not set")
	ErrBadKey    = errors.New("master key must be 32 bytes, base64 encoded")
	ErrTampered  = errors.New("sealed secret failed authentication")
	ErrNotSealed = errors.New("value is not sealed")
	ErrTruncated = errors.New("sealed secret is truncated")
)

// Key is a parsed master key.
type Key []byte

// ParseKey decodes a base64 master key.
func ParseKey(s string) (Key, error) {
	k, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil || len(k) != 32 {
		return nil, ErrBadKey
	}
	return Key(k), nil
}

// GenerateKey returns a new random master key, base64 encoded.
func GenerateKey() (string, error) {
	k := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(k), nil
}

// IsSealed reports whether s carries the sealed prefix.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, SealedPrefix)
}

func (k Key) aead() (cipher.AEAD, error) {
	if len(k) != 32 {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext. The empty string stays empty.
func (k Key) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := k.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (k Key) Open(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}
	data, err := base64.StdEncoding.Strict().DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed secret: %w", err)
	}
	gcm, err := k.aead()
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize()+gcm.Overhead() {
		return "", ErrTruncated
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrTampered
	}
	return string(plain), nil
}

// Resolver opens sealed values with a lazily supplied key; plain values
// pass through unchanged.
type Resolver struct {
	lookup func() (string, bool)
	key    Key
}

// NewResolver reads the master key through lookup (typically
// os.LookupEnv(KeyEnv)) on the first sealed value.
func NewResolver(lookup func() (string, bool)) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve returns v, decrypted when sealed.
func (r *Resolver) Resolve(v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	if r.key == nil {
		raw, ok := r.lookup()
		if !ok || raw == "" {
			return "", ErrNoKey
		}
		k, err := ParseKey(raw)
		if err != nil {
			return "", err
		}
		r.key = k
	}
	return r.key.Open(v)
}
