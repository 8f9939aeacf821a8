// Package vault is the public façade of the library: a state machine over
// an on-disk store that gates every operation on whether the vault has
// been initialized and, if so, whether it is currently unlocked. It is the
// only package callers outside this module should import.
package vault

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chambervault/chamber/chamberconfig"
	"github.com/chambervault/chamber/chamberlog"
	"github.com/chambervault/chamber/keymanager"
	"github.com/chambervault/chamber/store"
	"github.com/chambervault/chamber/vaultcrypto"
	"github.com/chambervault/chamber/vaulterrors"
)

// maxValueSize is the largest item value accepted by Add or Update.
const maxValueSize = 1 << 20 // 1 MiB

// maxNameLength is the largest item name accepted by Add or Update.
const maxNameLength = 512

// itemAADVersion is the domain-separation prefix bound into every item's
// AEAD associated data, distinct from the DEK wrap's own AAD.
const itemAADVersion = "chamber:v1:item"

// ItemKind re-exports [store.ItemKind] so callers never import package
// store directly.
type ItemKind = store.ItemKind

const (
	KindUnspecified = store.KindUnspecified
	KindPassword    = store.KindPassword
	KindAPIKey      = store.KindAPIKey
	KindEnvVar      = store.KindEnvVar
	KindSSHKey      = store.KindSSHKey
	KindCertificate = store.KindCertificate
	KindDatabase    = store.KindDatabase
	KindNote        = store.KindNote
)

// ListFilter re-exports [store.ListFilter].
type ListFilter = store.ListFilter

// ItemMeta re-exports [store.ItemMeta]: metadata safe to read while Locked.
type ItemMeta = store.ItemMeta

// NewItem is the input to [Vault.Add]: a plaintext value to be sealed under
// the session DEK and persisted.
type NewItem struct {
	Name  string
	Kind  ItemKind
	Value []byte
}

// Item is a fully decrypted item as returned by [Vault.Get].
type Item struct {
	ID        int64
	Name      string
	Kind      ItemKind
	Value     []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ItemPatch describes a partial update to an existing item. A nil field is
// left unchanged. Renaming or changing Kind re-derives the AAD and forces a
// full re-encryption of Value under a fresh nonce, even if Value itself is
// unset in the patch.
type ItemPatch struct {
	Name  *string
	Kind  *ItemKind
	Value []byte
}

// state is the three-phase lifecycle spec.md §4.6 defines for a vault
// handle.
type state uint8

const (
	stateUninitialized state = iota
	stateLocked
	stateUnlocked
)

type config struct {
	storeOpts  []store.Option
	logger     zerolog.Logger
	defaultKDF *vaultcrypto.Argon2Params
}

// Option configures [Open].
type Option func(*config)

// WithInsecurePermissions disables the owner-only file permission check on
// the underlying vault file. Intended for test fixtures only.
func WithInsecurePermissions() Option {
	return func(c *config) { c.storeOpts = append(c.storeOpts, store.WithInsecurePermissions()) }
}

// WithLogger sets the logger state transitions and surfaced errors are
// recorded to. Absent this option the vault logs nothing.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithConfig applies a [chamberconfig.Config]: its KDF parameters become
// the default used by [Vault.Init] when called with a nil params argument,
// and a false RequireOwnerOnlyPermissions relaxes the store's file
// permission check the same way [WithInsecurePermissions] does.
func WithConfig(cfg *chamberconfig.Config) Option {
	return func(c *config) {
		params := cfg.Argon2Params()
		c.defaultKDF = &params

		if !cfg.RequireOwnerOnlyPermissions {
			c.storeOpts = append(c.storeOpts, store.WithInsecurePermissions())
		}
	}
}

// Vault is a handle to a single on-disk vault file. At most one CRUD
// operation runs at a time per handle; concurrent callers serialize on mu.
type Vault struct {
	mu         sync.Mutex
	st         *store.Store
	state      state
	dek        *vaultcrypto.SecretBuffer
	log        zerolog.Logger
	defaultKDF *vaultcrypto.Argon2Params

	closeOnce sync.Once
}

// Open opens (creating if absent) the SQLite file at path, applies pending
// migrations, and returns a handle in state Locked or Uninitialized
// depending on whether meta has been written yet.
func Open(ctx context.Context, path string, opts ...Option) (*Vault, error) {
	const op = "vault.Open"

	cfg := &config{logger: chamberlog.Nop()}
	for _, opt := range opts {
		opt(cfg)
	}

	st, err := store.Open(ctx, path, cfg.storeOpts...)
	if err != nil {
		return nil, err
	}

	exists, err := st.Queries().MetaExists(ctx)
	if err != nil {
		_ = st.Close()
		return nil, vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	v := &Vault{st: st, state: stateLocked, log: cfg.logger, defaultKDF: cfg.defaultKDF}
	if !exists {
		v.state = stateUninitialized
	}

	v.log.Debug().Str("op", op).Bool("initialized", exists).Msg("vault opened")

	return v, nil
}

// IsInitialized reports whether the vault has a meta row, independent of
// lock state.
func (v *Vault) IsInitialized(ctx context.Context) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state != stateUninitialized, nil
}

// Init generates a fresh salt and DEK, wraps the DEK under passphrase, and
// writes the single meta row. Fails with [vaulterrors.ErrAlreadyInitialized]
// if meta already exists. A nil params uses the KDF parameters supplied via
// [WithConfig] if any, otherwise [vaultcrypto.DefaultArgon2Params].
func (v *Vault) Init(ctx context.Context, passphrase []byte, params *vaultcrypto.Argon2Params) error {
	const op = "vault.Init"

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != stateUninitialized {
		return vaulterrors.Errf(op, vaulterrors.ErrAlreadyInitialized)
	}

	p := vaultcrypto.DefaultArgon2Params()
	if v.defaultKDF != nil {
		p = *v.defaultKDF
	}

	if params != nil {
		p = *params
	}

	if err := keymanager.Init(ctx, v.st.Queries(), passphrase, p); err != nil {
		v.log.Error().Str("op", op).Err(err).Msg("init failed")
		return err
	}

	v.state = stateLocked
	v.log.Info().Str("op", op).Msg("vault initialized")

	return nil
}

// Unlock derives the master key from passphrase, unwraps the DEK, and
// transitions the vault to Unlocked. The DEK is held in memory, zeroized,
// until [Vault.Lock] or [Vault.Close].
func (v *Vault) Unlock(ctx context.Context, passphrase []byte) error {
	const op = "vault.Unlock"

	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case stateUninitialized:
		return vaulterrors.Errf(op, vaulterrors.ErrNotInitialized)
	case stateUnlocked:
		return nil
	}

	dek, err := keymanager.Unlock(ctx, v.st.Queries(), passphrase)
	if err != nil {
		v.log.Warn().Str("op", op).Err(err).Msg("unlock failed")
		return err
	}

	v.dek = dek
	v.state = stateUnlocked
	v.log.Info().Str("op", op).Msg("vault unlocked")

	return nil
}

// Lock destroys the in-memory DEK and returns the vault to Locked. Safe to
// call when already Locked or Uninitialized.
func (v *Vault) Lock() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.lockLocked()

	return nil
}

// lockLocked destroys the DEK and demotes state to Locked. Callers must
// already hold v.mu; it is a no-op unless the vault is Unlocked.
func (v *Vault) lockLocked() {
	if v.state != stateUnlocked {
		return
	}

	v.dek.Destroy()
	v.dek = nil
	v.state = stateLocked
	v.log.Info().Str("op", "vault.Lock").Msg("vault locked")
}

// requireUnlocked returns the typed state error for any state short of
// Unlocked, or nil if the vault is ready for a CRUD operation. Callers must
// already hold v.mu.
func (v *Vault) requireUnlocked(op string) error {
	switch v.state {
	case stateUninitialized:
		return vaulterrors.Errf(op, vaulterrors.ErrNotInitialized)
	case stateLocked:
		return vaulterrors.Errf(op, vaulterrors.ErrVaultLocked)
	default:
		return nil
	}
}

// Add seals item.Value under the session DEK and inserts a new row. Fails
// with [vaulterrors.ErrDuplicateName] if item.Name is already in use.
func (v *Vault) Add(ctx context.Context, item NewItem) (int64, error) {
	const op = "vault.Add"

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlocked(op); err != nil {
		return 0, err
	}

	if err := validateItem(item.Name, item.Kind, item.Value); err != nil {
		return 0, vaulterrors.Errf(op, err)
	}

	nonce, ciphertext, err := v.seal(item.Name, item.Kind, item.Value)
	if err != nil {
		return 0, vaulterrors.Wrapf(op, vaulterrors.ErrCrypto, err)
	}

	now := time.Now().UTC()

	var id int64

	err = v.st.Tx(ctx, func(q *store.Queries) error {
		var txErr error

		id, txErr = q.InsertItem(ctx, store.ItemRow{
			Name:       item.Name,
			Kind:       item.Kind,
			Nonce:      nonce,
			Ciphertext: ciphertext,
			CreatedAt:  now,
			UpdatedAt:  now,
		})

		return txErr
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

// Get loads and decrypts the item named name. A tag mismatch — from a
// tampered row or a name/kind swapped out from under the ciphertext —
// surfaces as [vaulterrors.ErrTampered].
func (v *Vault) Get(ctx context.Context, name string) (*Item, error) {
	const op = "vault.Get"

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlocked(op); err != nil {
		return nil, err
	}

	row, err := v.st.Queries().GetItemByName(ctx, name)
	if err != nil {
		return nil, err
	}

	plaintext, err := v.open(row.Name, row.Kind, row.Nonce, row.Ciphertext)
	if err != nil {
		if errors.Is(err, vaultcrypto.ErrTag) {
			return nil, vaulterrors.Errf(op, vaulterrors.ErrTampered)
		}

		if errors.Is(err, vaultcrypto.ErrLength) {
			return nil, vaulterrors.Wrapf(op, vaulterrors.ErrCorruptItem, err)
		}

		return nil, vaulterrors.Wrapf(op, vaulterrors.ErrCrypto, err)
	}

	return &Item{
		ID:        row.ID,
		Name:      row.Name,
		Kind:      row.Kind,
		Value:     plaintext,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// Update applies patch to the item named name, re-sealing under a fresh
// nonce and (if Name or Kind changed) a re-derived AAD. Fails with
// [vaulterrors.ErrNotFound] if name does not exist.
func (v *Vault) Update(ctx context.Context, name string, patch ItemPatch) error {
	const op = "vault.Update"

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlocked(op); err != nil {
		return err
	}

	return v.st.Tx(ctx, func(q *store.Queries) error {
		row, err := q.GetItemByName(ctx, name)
		if err != nil {
			return err
		}

		newName := row.Name
		if patch.Name != nil {
			newName = *patch.Name
		}

		newKind := row.Kind
		if patch.Kind != nil {
			newKind = *patch.Kind
		}

		value := patch.Value
		if value == nil {
			plaintext, err := v.open(row.Name, row.Kind, row.Nonce, row.Ciphertext)
			if err != nil {
				if errors.Is(err, vaultcrypto.ErrTag) {
					return vaulterrors.Errf(op, vaulterrors.ErrTampered)
				}

				if errors.Is(err, vaultcrypto.ErrLength) {
					return vaulterrors.Wrapf(op, vaulterrors.ErrCorruptItem, err)
				}

				return vaulterrors.Wrapf(op, vaulterrors.ErrCrypto, err)
			}

			value = plaintext
		}

		if err := validateItem(newName, newKind, value); err != nil {
			return vaulterrors.Errf(op, err)
		}

		nonce, ciphertext, err := v.seal(newName, newKind, value)
		if err != nil {
			return vaulterrors.Wrapf(op, vaulterrors.ErrCrypto, err)
		}

		return q.UpdateItem(ctx, name, store.ItemRow{
			Name:       newName,
			Kind:       newKind,
			Nonce:      nonce,
			Ciphertext: ciphertext,
			UpdatedAt:  time.Now().UTC(),
		})
	})
}

// Delete removes the item named name. Fails with [vaulterrors.ErrNotFound]
// if it does not exist.
func (v *Vault) Delete(ctx context.Context, name string) error {
	const op = "vault.Delete"

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlocked(op); err != nil {
		return err
	}

	return v.st.Tx(ctx, func(q *store.Queries) error {
		return q.DeleteItem(ctx, name)
	})
}

// List returns metadata for every item matching filter. Unlike Add, Get,
// Update, and Delete, List never touches the DEK and is safe to call while
// Locked, enabling metadata-only UIs before unlock; it only rejects an
// Uninitialized vault.
func (v *Vault) List(ctx context.Context, filter *ListFilter) ([]ItemMeta, error) {
	const op = "vault.List"

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == stateUninitialized {
		return nil, vaulterrors.Errf(op, vaulterrors.ErrNotInitialized)
	}

	return v.st.Queries().ListItems(ctx, filter)
}

// RotatePassphrase re-wraps the existing DEK under newPassphrase,
// optionally under fresh KDF parameters. Item ciphertexts are never
// touched: this is O(1) regardless of item count. Valid in any state
// except Uninitialized.
func (v *Vault) RotatePassphrase(ctx context.Context, old, newPassphrase []byte, params *vaultcrypto.Argon2Params) error {
	const op = "vault.RotatePassphrase"

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == stateUninitialized {
		return vaulterrors.Errf(op, vaulterrors.ErrNotInitialized)
	}

	if err := keymanager.RotatePassphrase(ctx, v.st.Queries(), old, newPassphrase, params); err != nil {
		v.log.Warn().Str("op", op).Err(err).Msg("passphrase rotation failed")
		return err
	}

	v.log.Info().Str("op", op).Msg("passphrase rotated")

	return nil
}

// Close locks the vault and releases the underlying store's file handle
// and advisory lock. Safe to call multiple times.
func (v *Vault) Close() (retErr error) {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.lockLocked()
		v.mu.Unlock()

		retErr = v.st.Close()
	})

	return retErr
}

// seal encrypts plaintext under a fresh nonce with the AAD derived from
// name and kind. Callers must already hold v.mu and have verified
// stateUnlocked.
func (v *Vault) seal(name string, kind ItemKind, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := vaultcrypto.NewAEAD(v.dek.Bytes())
	if err != nil {
		return nil, nil, err
	}

	nonce, err = vaultcrypto.RandBytes(vaultcrypto.NonceSize)
	if err != nil {
		return nil, nil, err
	}

	ciphertext, err = aead.Seal(nonce, itemAAD(name, kind), plaintext)
	if err != nil {
		return nil, nil, err
	}

	return nonce, ciphertext, nil
}

// open decrypts ciphertext under nonce with the AAD derived from name and
// kind. Callers must already hold v.mu and have verified stateUnlocked.
func (v *Vault) open(name string, kind ItemKind, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := vaultcrypto.NewAEAD(v.dek.Bytes())
	if err != nil {
		return nil, err
	}

	return aead.Open(nonce, itemAAD(name, kind), ciphertext)
}

// itemAAD builds the domain-separated associated data bound into every
// item's AEAD tag: the fixed version prefix, then name and kind separated
// by 0x1f, so that mutating either column out from under the ciphertext
// fails authentication on next read.
func itemAAD(name string, kind ItemKind) []byte {
	aad := make([]byte, 0, len(itemAADVersion)+1+len(name)+2)
	aad = append(aad, itemAADVersion...)
	aad = append(aad, 0x1f)
	aad = append(aad, name...)
	aad = append(aad, 0x1f)
	aad = append(aad, byte(kind))

	return aad
}

// validateItem checks the invariants Add and Update both enforce before
// any crypto or storage work: non-empty name within the length ceiling, a
// defined kind, and a value within the size ceiling.
func validateItem(name string, kind ItemKind, value []byte) error {
	if name == "" || len(name) > maxNameLength || !kind.Valid() {
		return vaulterrors.ErrInvalidName
	}

	if len(value) > maxValueSize {
		return vaulterrors.ErrValueTooLarge
	}

	return nil
}
