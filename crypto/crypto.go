// Package crypto seals stored credentials (upload OAuth tokens) with
// AES-256-GCM. Sealed values are base64(nonce || ciphertext || tag).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
)

// KeyEnv names the environment variable holding the base64 32-byte key.
const KeyEnv = "ENCRYPTION_KEY"

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("crypto: authentication or integrity check failed")

// Sealer encrypts and decrypts short strings. A nil *Sealer passes values
// through unchanged, so callers need no special case when encryption is off.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a base64 32-byte key
// (generate with: openssl rand -base64 32).
func NewSealer(base64Key string) (*Sealer, error) {
	if base64Key == "" {
		return nil, errors.New("crypto: encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: invalid key: must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// FromEnv returns a Sealer for ENCRYPTION_KEY, or nil when it is unset.
func FromEnv() (*Sealer, error) {
	k := os.Getenv(KeyEnv)
	if k == "" {
		return nil, nil
	}
	return NewSealer(k)
}

// Enabled reports whether values are actually encrypted.
func (s *Sealer) Enabled() bool { return s != nil }

// Seal encrypts plain. Empty input stays empty.
func (s *Sealer) Seal(plain string) (string, error) {
	if s == nil || plain == "" {
		return plain, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if s == nil || sealed == "" {
		return sealed, nil
	}
	b, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("crypto: base64 decode failed: %w", err)
	}
	n := s.aead.NonceSize()
	if len(b) < n+s.aead.Overhead() {
		return "", fmt.Errorf("crypto: sealed value too short (%d bytes)", len(b))
	}
	plain, err := s.aead.Open(nil, b[:n], b[n:], nil)
	if err != nil {
		return "", ErrOpen
	}
	return string(plain), nil
}
