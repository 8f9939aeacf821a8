package vaultcrypto

import (
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the IETF ChaCha20-Poly1305 nonce length in bytes.
const NonceSize = chacha20poly1305.NonceSize

// TagSize is the Poly1305 authentication tag length appended to every
// ciphertext produced by [AEAD.Seal].
const TagSize = chacha20poly1305.Overhead

// SaltSize is the length, in bytes, of the KDF salt persisted in VaultMeta.
const SaltSize = 16

var ErrNilAEAD = errors.New("AEAD is nil")

// ErrTag indicates an authentication tag mismatch: either the wrong key,
// the wrong associated data, or tampered ciphertext. The three causes are
// indistinguishable by design — see spec.md §9.
var ErrTag = errors.New("aead: authentication tag mismatch")

// ErrLength indicates malformed input: a nonce or ciphertext of the wrong
// size for this cipher.
var ErrLength = errors.New("aead: malformed input length")

// AEAD wraps a ChaCha20-Poly1305 (IETF, 96-bit nonce) cipher.AEAD bound to
// a single key. Every call site supplies its own nonce and associated
// data; the codec never generates a nonce or remembers one across calls,
// so reuse avoidance is entirely the caller's responsibility (see
// spec.md §4.2's nonce policy).
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD constructs an [AEAD] from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}

	return &AEAD{aead: aead}, nil
}

// Seal encrypts plaintext under nonce with aad bound into the tag.
// nonce must be exactly [NonceSize] bytes, freshly generated by the
// caller for this call.
func (a *AEAD) Seal(nonce, aad, plaintext []byte) ([]byte, error) {
	if a == nil {
		return nil, ErrNilAEAD
	}

	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce length %d, want %d", ErrLength, len(nonce), NonceSize)
	}

	return a.aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts ciphertext sealed by [AEAD.Seal] with the same nonce and
// aad. A tag mismatch is reported as [ErrTag], never distinguished from a
// wrong key.
func (a *AEAD) Open(nonce, aad, ciphertext []byte) ([]byte, error) {
	if a == nil {
		return nil, ErrNilAEAD
	}

	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce length %d, want %d", ErrLength, len(nonce), NonceSize)
	}

	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrLength)
	}

	plaintext, err := a.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrTag
	}

	return plaintext, nil
}
