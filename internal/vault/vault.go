// Package vault seals and opens secrets before they touch persistent
// storage. It is a pure transform: no network calls, no state beyond the
// derived key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/scrypt"
)

// ErrIntegrity indicates a ciphertext failed authentication: tampered data
// or a wrong key. Callers must treat this as a hard failure.
var ErrIntegrity = errors.New("vault: ciphertext integrity check failed")

// kdfSalt is fixed so the same secret always derives the same key. Secrecy
// lives in the configured secret, not the salt.
var kdfSalt = []byte("companiond-vault-v1")

// devSecret keeps the vault functional in local setups with no configured
// secret. Production deployments must set one.
const devSecret = "companiond-dev-only"

// scrypt parameters chosen for a one-time derivation at process start.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// Vault performs authenticated symmetric encryption of short secrets.
type Vault struct {
	aead cipher.AEAD
}

// New derives the vault key from secret and constructs the AEAD. An empty
// secret falls back to a built-in dev secret with a startup warning; the
// vault still works so local environments need no key management.
func New(secret string) (*Vault, error) {
	if secret == "" {
		log.Warn("vault: no secret configured, using built-in dev key; do not run production like this")
		secret = devSecret
	}
	key, errDerive := scrypt.Key([]byte(secret), kdfSalt, scryptN, scryptR, scryptP, scryptKeyLen)
	if errDerive != nil {
		return nil, fmt.Errorf("vault: derive key: %w", errDerive)
	}
	block, errCipher := aes.NewCipher(key)
	if errCipher != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", errCipher)
	}
	aead, errGCM := cipher.NewGCM(block)
	if errGCM != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", errGCM)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random nonce. The nonce is prepended
// to the ciphertext so Open is self-contained; output is base64.
func (v *Vault) Seal(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, errRead := rand.Read(nonce); errRead != nil {
		return "", fmt.Errorf("vault: nonce: %w", errRead)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a Seal output. It returns ErrIntegrity when the
// authentication tag does not verify; garbage is never returned.
func (v *Vault) Open(ciphertext string) (string, error) {
	raw, errDecode := base64.StdEncoding.DecodeString(ciphertext)
	if errDecode != nil {
		return "", fmt.Errorf("vault: decode: %w", errDecode)
	}
	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrIntegrity
	}
	plaintext, errOpen := v.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if errOpen != nil {
		return "", ErrIntegrity
	}
	return string(plaintext), nil
}
