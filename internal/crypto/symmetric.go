// Package crypto provides the cryptographic primitives used by the gateway
// clients: AES-256-GCM for credentials at rest and the RSA envelope
// operations required by the challenge-response gateway protocol.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	keyLen = 32
	ivLen  = 16
	tagLen = 16
)

// Cipher encrypts and decrypts credential values with AES-256-GCM.
// The envelope format is three colon-separated hex parts: IV, auth tag,
// ciphertext.
type Cipher struct {
	key []byte
}

// NewCipher builds a Cipher from a 64-character hex key. A missing or
// malformed key is a configuration error and fails immediately.
func NewCipher(hexKey string) (*Cipher, error) {
	if hexKey == "" {
		return nil, &ConfigError{Field: "encryption_key", Reason: "not set"}
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, &ConfigError{Field: "encryption_key", Reason: "not valid hex"}
	}
	if len(key) != keyLen {
		return nil, &ConfigError{
			Field:  "encryption_key",
			Reason: fmt.Sprintf("must be %d bytes (%d hex chars), got %d bytes", keyLen, keyLen*2, len(key)),
		}
	}
	return &Cipher{key: key}, nil
}

// Encrypt encrypts plaintext and returns an iv:tag:ciphertext hex envelope.
// A fresh random IV is drawn per call, so identical plaintexts produce
// different envelopes.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("encrypt: empty plaintext")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("encrypt: reading random IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens an iv:tag:ciphertext envelope produced by Encrypt. Malformed
// envelopes and authentication failures surface a DecryptionError, never
// garbage plaintext.
func (c *Cipher) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return "", &DecryptionError{Reason: fmt.Sprintf("expected 3 envelope parts, got %d", len(parts))}
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivLen {
		return "", &DecryptionError{Reason: "malformed IV"}
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagLen {
		return "", &DecryptionError{Reason: "malformed auth tag"}
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", &DecryptionError{Reason: "malformed ciphertext"}
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", &DecryptionError{Reason: err.Error()}
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return "", &DecryptionError{Reason: err.Error()}
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed"}
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value looks like an Encrypt envelope.
// This is a format heuristic only (three colon-separated all-hex parts); it
// can false-positive on plaintext that happens to look like hex triples,
// which is an accepted limitation of the legacy-credential migration path.
func IsEncrypted(value string) bool {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := hex.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}
