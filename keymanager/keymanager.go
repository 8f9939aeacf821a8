// Package keymanager implements the three operations that stand between a
// passphrase and a usable data-encryption key: init, unlock, and passphrase
// rotation. It knows nothing about items — only about VaultMeta and the DEK
// it protects.
package keymanager

import (
	"context"
	"time"

	"github.com/chambervault/chamber/store"
	"github.com/chambervault/chamber/vaultcrypto"
	"github.com/chambervault/chamber/vaulterrors"
)

// wrapAAD is the fixed domain-separation string bound into the DEK wrap,
// distinct from any per-item AAD so a DEK ciphertext can never be replayed
// as an item ciphertext or vice versa.
const wrapAAD = "chamber:v1:dek-wrap"

// dekSize is the size, in bytes, of the data-encryption key every vault
// generates exactly once at init.
const dekSize = 32

// Init refuses to proceed if meta already has a row. It generates a random
// salt and a random DEK, derives the master key from passphrase, wraps the
// DEK under it, and writes the single meta row.
func Init(ctx context.Context, q *store.Queries, passphrase []byte, params vaultcrypto.Argon2Params) error {
	const op = "keymanager.Init"

	if !params.Valid() {
		return vaulterrors.Errf(op, vaulterrors.ErrConfig)
	}

	exists, err := q.MetaExists(ctx)
	if err != nil {
		return err
	}

	if exists {
		return vaulterrors.Errf(op, vaulterrors.ErrAlreadyInitialized)
	}

	salt, err := vaultcrypto.RandBytes(vaultcrypto.SaltSize)
	if err != nil {
		return vaulterrors.Wrapf(op, vaulterrors.ErrCrypto, err)
	}

	dekBuf, err := vaultcrypto.RandBytes(dekSize)
	if err != nil {
		return vaulterrors.Wrapf(op, vaulterrors.ErrCrypto, err)
	}

	dek := vaultcrypto.NewSecretBuffer(dekBuf)
	defer dek.Destroy()

	wrapNonce, wrappedDEK, err := wrapDEK(passphrase, salt, dek, params)
	if err != nil {
		return vaulterrors.Wrapf(op, vaulterrors.ErrCrypto, err)
	}

	now := time.Now().UTC()

	var saltArr [16]byte
	copy(saltArr[:], salt)

	meta := store.VaultMeta{
		KDFAlgo:        store.KDFAlgoArgon2id,
		KDFMemoryKiB:   params.Memory,
		KDFIters:       params.Time,
		KDFParallelism: uint32(params.Parallelism),
		KDFSalt:        saltArr,
		WrapNonce:      wrapNonce,
		WrappedDEK:     wrappedDEK,
		WrapAAD:        []byte(wrapAAD),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := q.UpsertMeta(ctx, meta); err != nil {
		return err
	}

	return nil
}

// Unlock loads meta, derives the master key from passphrase, and opens
// wrapped_dek. A tag failure is surfaced as [vaulterrors.ErrWrongPassphrase],
// indistinguishable from corruption by design. The returned buffer holds
// the DEK; the caller owns its zeroization lifetime.
func Unlock(ctx context.Context, q *store.Queries, passphrase []byte) (*vaultcrypto.SecretBuffer, error) {
	const op = "keymanager.Unlock"

	meta, err := q.LoadMeta(ctx)
	if err != nil {
		return nil, err
	}

	dek, err := unwrapDEK(passphrase, meta)
	if err != nil {
		return nil, vaulterrors.Errf(op, vaulterrors.ErrWrongPassphrase)
	}

	return dek, nil
}

// RotatePassphrase requires the existing DEK to be unwrappable under old.
// It re-seals the same DEK under a fresh wrap_nonce, optionally under new
// KDF parameters, and upserts meta in a single write. Item ciphertexts are
// never touched.
func RotatePassphrase(ctx context.Context, q *store.Queries, old, newPassphrase []byte, newParams *vaultcrypto.Argon2Params) error {
	const op = "keymanager.RotatePassphrase"

	meta, err := q.LoadMeta(ctx)
	if err != nil {
		return err
	}

	dek, err := unwrapDEK(old, meta)
	if err != nil {
		return vaulterrors.Errf(op, vaulterrors.ErrWrongPassphrase)
	}
	defer dek.Destroy()

	params := vaultcrypto.Argon2Params{
		Memory:      meta.KDFMemoryKiB,
		Time:        meta.KDFIters,
		Parallelism: uint8(meta.KDFParallelism),
	}

	if newParams != nil {
		if !newParams.Valid() {
			return vaulterrors.Errf(op, vaulterrors.ErrConfig)
		}

		params = *newParams
	}

	salt := meta.KDFSalt[:]

	wrapNonce, wrappedDEK, err := wrapDEK(newPassphrase, salt, dek, params)
	if err != nil {
		return vaulterrors.Wrapf(op, vaulterrors.ErrCrypto, err)
	}

	meta.KDFMemoryKiB = params.Memory
	meta.KDFIters = params.Time
	meta.KDFParallelism = uint32(params.Parallelism)
	meta.WrapNonce = wrapNonce
	meta.WrappedDEK = wrappedDEK
	meta.UpdatedAt = time.Now().UTC()

	return q.UpsertMeta(ctx, *meta)
}

func wrapDEK(passphrase, salt []byte, dek *vaultcrypto.SecretBuffer, params vaultcrypto.Argon2Params) (nonce [12]byte, wrapped []byte, err error) {
	kdf := vaultcrypto.NewKDF(params)

	masterKey := kdf.Derive(passphrase, salt)
	defer masterKey.Destroy()

	aead, err := vaultcrypto.NewAEAD(masterKey.Bytes())
	if err != nil {
		return nonce, nil, err
	}

	nonceBytes, err := vaultcrypto.RandBytes(vaultcrypto.NonceSize)
	if err != nil {
		return nonce, nil, err
	}

	copy(nonce[:], nonceBytes)

	wrapped, err = aead.Seal(nonceBytes, []byte(wrapAAD), dek.Bytes())
	if err != nil {
		return nonce, nil, err
	}

	return nonce, wrapped, nil
}

// unwrapDEK derives the master key from passphrase and meta's salt and
// parameters, then opens wrapped_dek. The master key is zeroized before
// returning regardless of outcome.
func unwrapDEK(passphrase []byte, meta *store.VaultMeta) (*vaultcrypto.SecretBuffer, error) {
	params := vaultcrypto.Argon2Params{
		Memory:      meta.KDFMemoryKiB,
		Time:        meta.KDFIters,
		Parallelism: uint8(meta.KDFParallelism),
	}

	kdf := vaultcrypto.NewKDF(params)

	masterKey := kdf.Derive(passphrase, meta.KDFSalt[:])
	defer masterKey.Destroy()

	aead, err := vaultcrypto.NewAEAD(masterKey.Bytes())
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(meta.WrapNonce[:], meta.WrapAAD, meta.WrappedDEK)
	if err != nil {
		return nil, err
	}

	return vaultcrypto.NewSecretBuffer(plaintext), nil
}
