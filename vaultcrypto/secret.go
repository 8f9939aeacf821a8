package vaultcrypto

import "sync"

// SecretBuffer is a scoped holder for sensitive byte material: a
// passphrase, a derived key, the DEK, or a decrypted secret value. Its
// backing array is overwritten with zeros exactly once, on [SecretBuffer.Destroy],
// which every code path that acquires one — success, error, or panic via
// defer — must call.
//
// A SecretBuffer is not copyable in any meaningful sense: [SecretBuffer.Bytes]
// returns the live backing array, not a copy, so holding onto a slice
// obtained that way past Destroy reads zeros. Callers that need their own
// copy (e.g. to return plaintext across the package boundary) must call
// [NewSecretBuffer] with a fresh copy and transfer the zeroization
// obligation along with it.
type SecretBuffer struct {
	mu   sync.Mutex
	b    []byte
	done bool
}

// NewSecretBuffer takes ownership of b. The caller must not retain or
// mutate b outside of the returned SecretBuffer after this call.
func NewSecretBuffer(b []byte) *SecretBuffer {
	return &SecretBuffer{b: b}
}

// NewZeroedSecretBuffer allocates an n-byte buffer for the caller to fill.
func NewZeroedSecretBuffer(n int) *SecretBuffer {
	return &SecretBuffer{b: make([]byte, n)}
}

// Bytes returns the live backing array. The slice is only valid until
// Destroy is called.
func (s *SecretBuffer) Bytes() []byte {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil
	}

	return s.b
}

// Len returns the length of the held secret, or 0 after Destroy.
func (s *SecretBuffer) Len() int {
	if s == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.b)
}

// Destroy overwrites the backing array with zeros and releases it. Safe
// to call multiple times and on a nil receiver.
func (s *SecretBuffer) Destroy() {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}

	Zero(s.b)

	s.b = nil
	s.done = true
}

// Clone returns a new SecretBuffer holding a copy of s's current bytes.
// Used when a secret must be handed to a second owner with its own
// zeroization lifetime (e.g. a return value crossing the package
// boundary) while the original is still in scope.
func (s *SecretBuffer) Clone() *SecretBuffer {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return NewSecretBuffer(nil)
	}

	cp := make([]byte, len(s.b))
	copy(cp, s.b)

	return NewSecretBuffer(cp)
}

// Zero overwrites b with zero bytes. It is a no-op for a nil slice.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
