// Package crypto protects secrets stored by the control plane.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrCiphertext is returned for payloads that cannot be opened.
var ErrCiphertext = errors.New("crypto: invalid ciphertext")

// Box seals values with AES-256-GCM under a key derived from a passphrase.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives a 32-byte key from secret with SHA-256.
func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, errors.New("crypto: empty secret")
	}
	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (b *Box) Open(encoded string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	n := b.aead.NonceSize()
	if len(payload) < n {
		return "", ErrCiphertext
	}
	plain, err := b.aead.Open(nil, payload[:n], payload[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return string(plain), nil
}
