// Package security seals custodial signing keys before they reach a store.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Sealer encrypts and decrypts small secrets such as signing keys.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// AESGCM implements Sealer with AES-GCM. Sealed values are base64 encoded
// nonce||ciphertext.
type AESGCM struct {
	gcm cipher.AEAD
}

// NewAESGCM builds a sealer from a 16 or 32 byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != 16 && len(key) != 32 {
		return nil, errors.New("security: encryption key must be 16 or 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return &AESGCM{gcm: gcm}, nil
}

// NewAESGCMFromHex accepts the 64-character hex form used in configuration.
func NewAESGCMFromHex(hexKey string) (*AESGCM, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("security: decode encryption key: %w", err)
	}
	return NewAESGCM(key)
}

// NewEphemeral returns a sealer with a random key. Values sealed by it do not
// survive a restart, so it only suits the in-memory store.
func NewEphemeral() (*AESGCM, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("security: generate key: %w", err)
	}
	return NewAESGCM(key)
}

func (s *AESGCM) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("security: generate nonce: %w", err)
	}
	sealed := s.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *AESGCM) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("security: decode sealed value: %w", err)
	}
	nonceSize := s.gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, errors.New("security: sealed value is too short")
	}
	plaintext, err := s.gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("security: open sealed value: %w", err)
	}
	return plaintext, nil
}
