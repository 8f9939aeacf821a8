// Package vaultcrypto provides the cryptographic primitives the vault core
// builds on: password-based key derivation, an AEAD codec, a CSPRNG helper,
// and zeroizing buffers for secret material.
package vaultcrypto

import (
	"golang.org/x/crypto/argon2"
)

// Minimum parameter values accepted for a vault's KDF parameters. The [KDF]
// type itself does not enforce these — whether weak parameters are a hard
// error belongs to the caller (init vs. rotate vs. a one-off derivation),
// so callers that must reject weak parameters check [Argon2Params.Valid]
// themselves and surface their own ConfigError.
const (
	MinMemoryKiB     = 64 * 1024
	MinTime          = 3
	MinParallelism   = 1
	DefaultKeyLength = 32
)

// Argon2Params are the tunable cost parameters for Argon2id, persisted
// alongside a vault's salt so hardness can change over time without
// breaking the on-disk format.
type Argon2Params struct {
	Memory      uint32 // Memory cost in KiB.
	Time        uint32 // Time cost (iterations).
	Parallelism uint8  // Parallelism factor (number of lanes).
}

// DefaultArgon2Params returns the parameters a new vault is initialized
// with absent an explicit override: 64 MiB, 3 iterations, single lane.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      MinMemoryKiB,
		Time:        MinTime,
		Parallelism: MinParallelism,
	}
}

// Valid reports whether p meets the minimum hardness floor.
func (p Argon2Params) Valid() bool {
	return p.Memory >= MinMemoryKiB && p.Time >= MinTime && p.Parallelism >= MinParallelism
}

// KDF derives a fixed-length key from a passphrase and salt using Argon2id.
type KDF struct {
	params Argon2Params
	keyLen uint32
}

// NewKDF constructs a [KDF] with the given parameters and a 32-byte output
// length, matching the DEK and master-key size used throughout the vault.
func NewKDF(params Argon2Params) *KDF {
	return &KDF{params: params, keyLen: DefaultKeyLength}
}

// Derive runs Argon2id over passphrase and salt, returning the derived key
// in a buffer the caller owns and must release with [SecretBuffer.Destroy].
func (k *KDF) Derive(passphrase, salt []byte) *SecretBuffer {
	key := argon2.IDKey(passphrase, salt, k.params.Time, k.params.Memory, k.params.Parallelism, k.keyLen)
	return NewSecretBuffer(key)
}

// Params returns the parameters this KDF was constructed with.
func (k *KDF) Params() Argon2Params {
	return k.params
}
