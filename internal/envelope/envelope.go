// Package envelope implements the symmetric authenticated encryption used to
// seal revision payloads before they reach a transport.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// Wire scheme identifiers, carried in the object headers so readers know how
// to open a body.
const (
	SchemeNone   = "none"
	SchemeAESGCM = "aes256-gcm"
)

// ErrCrypto is returned when a sealed payload cannot be opened: wrong key,
// truncated token or tampered ciphertext. It is deliberately distinct from
// wire.ErrCorruptObject so diagnostics can tell "wrong key" from "broken
// message".
var ErrCrypto = errors.New("decryption failed")

const nonceSize = 12

// Sealer seals and opens payloads. Implementations must fail closed: Open
// never returns partial or unauthenticated plaintext.
type Sealer interface {
	// Scheme names the sealer for the wire headers.
	Scheme() string
	// Seal encrypts plaintext into a self-contained token.
	Seal(plaintext []byte) ([]byte, error)
	// Open authenticates and decrypts a token produced by Seal.
	Open(token []byte) ([]byte, error)
}

// AESGCM seals payloads with AES-256-GCM. The token layout is
// nonce (12 bytes) || ciphertext || tag (16 bytes), with a fresh random nonce
// per seal.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM derives a 256 bit key from a pre-shared secret and returns the
// sealer. The secret is hashed to key size, not stretched; callers should
// supply a high entropy secret.
func NewAESGCM(secret []byte) (*AESGCM, error) {
	if len(secret) == 0 {
		return nil, errors.New("encryption secret cannot be empty")
	}
	key := sha256.Sum256(secret)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

func (e *AESGCM) Scheme() string { return SchemeAESGCM }

func (e *AESGCM) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESGCM) Open(token []byte) ([]byte, error) {
	if len(token) < nonceSize {
		return nil, fmt.Errorf("%w: token too short", ErrCrypto)
	}
	plaintext, err := e.aead.Open(nil, token[:nonceSize], token[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return plaintext, nil
}

// Plain is the identity sealer used when no encryption key is configured.
type Plain struct{}

func (Plain) Scheme() string { return SchemeNone }

func (Plain) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }

func (Plain) Open(token []byte) ([]byte, error) { return token, nil }

// ForScheme returns the sealer able to open bodies sealed under scheme.
// A nil AESGCM sealer means no key has been configured for the session.
func ForScheme(scheme string, aesgcm *AESGCM) (Sealer, error) {
	switch scheme {
	case SchemeNone, "":
		return Plain{}, nil
	case SchemeAESGCM:
		if aesgcm == nil {
			return nil, fmt.Errorf("%w: no encryption key configured", ErrCrypto)
		}
		return aesgcm, nil
	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrCrypto, scheme)
	}
}
