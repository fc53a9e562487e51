// Package credential seals connection credentials at rest and refreshes
// expiring OAuth material.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/roach88/crmsync/internal/ir"
)

// Codec converts credentials to and from their stored form.
type Codec interface {
	Seal(c ir.Credentials) ([]byte, error)
	Open(data []byte) (ir.Credentials, error)
}

// Plaintext stores credentials as JSON. Suitable for tests and local runs.
type Plaintext struct{}

func (Plaintext) Seal(c ir.Credentials) ([]byte, error) {
	return json.Marshal(c)
}

func (Plaintext) Open(data []byte) (ir.Credentials, error) {
	var c ir.Credentials
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decode credentials: %w", err)
	}
	return c, nil
}

// ErrDecrypt is returned when sealed credentials cannot be authenticated,
// usually because the key changed.
var ErrDecrypt = errors.New("credential: cannot decrypt, wrong key or corrupt data")

// AEAD seals credentials with XChaCha20-Poly1305. The stored form is the
// random 24-byte nonce followed by the ciphertext.
type AEAD struct {
	key []byte
}

// NewAEAD creates a codec from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &AEAD{key: append([]byte(nil), key...)}, nil
}

// KeyFromBase64 decodes a standard base64 key as found in configuration.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("credential key: %w", err)
	}
	return key, nil
}

// NewCodec returns an AEAD codec for a base64 key, or Plaintext when the
// key is empty.
func NewCodec(base64Key string) (Codec, error) {
	if base64Key == "" {
		return Plaintext{}, nil
	}
	key, err := KeyFromBase64(base64Key)
	if err != nil {
		return nil, err
	}
	return NewAEAD(key)
}

func (a *AEAD) Seal(c ir.Credentials) ([]byte, error) {
	plain, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	aead, err := chacha20poly1305.NewX(a.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (a *AEAD) Open(data []byte) (ir.Credentials, error) {
	var c ir.Credentials
	if len(data) == 0 {
		return c, nil
	}
	aead, err := chacha20poly1305.NewX(a.key)
	if err != nil {
		return c, err
	}
	if len(data) < aead.NonceSize() {
		return c, ErrDecrypt
	}
	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return c, ErrDecrypt
	}
	if err := json.Unmarshal(plain, &c); err != nil {
		return c, fmt.Errorf("decode credentials: %w", err)
	}
	return c, nil
}
