package keymanager_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/chambervault/chamber/keymanager"
	"github.com/chambervault/chamber/store"
	"github.com/chambervault/chamber/vaultcrypto"
	"github.com/chambervault/chamber/vaulterrors"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = st.Close() })

	return st
}

func TestInit_ThenUnlock(t *testing.T) {
	st := openTestStore(t)
	q := st.Queries()

	pp := []byte("correct horse battery staple")

	if err := keymanager.Init(t.Context(), q, pp, vaultcrypto.DefaultArgon2Params()); err != nil {
		t.Fatal(err)
	}

	dek, err := keymanager.Unlock(t.Context(), q, pp)
	if err != nil {
		t.Fatal(err)
	}
	defer dek.Destroy()

	if dek.Len() != 32 {
		t.Errorf("got dek length %d, want 32", dek.Len())
	}
}

func TestInit_Twice(t *testing.T) {
	st := openTestStore(t)
	q := st.Queries()

	pp := []byte("correct horse battery staple")

	if err := keymanager.Init(t.Context(), q, pp, vaultcrypto.DefaultArgon2Params()); err != nil {
		t.Fatal(err)
	}

	err := keymanager.Init(t.Context(), q, pp, vaultcrypto.DefaultArgon2Params())
	if !errors.Is(err, vaulterrors.ErrAlreadyInitialized) {
		t.Fatalf("got %v, want ErrAlreadyInitialized", err)
	}
}

func TestInit_WeakParams(t *testing.T) {
	st := openTestStore(t)
	q := st.Queries()

	weak := vaultcrypto.Argon2Params{Memory: 1024, Time: 1, Parallelism: 1}

	err := keymanager.Init(t.Context(), q, []byte("pp"), weak)
	if !errors.Is(err, vaulterrors.ErrConfig) {
		t.Fatalf("got %v, want ErrConfig", err)
	}
}

func TestUnlock_WrongPassphrase(t *testing.T) {
	st := openTestStore(t)
	q := st.Queries()

	if err := keymanager.Init(t.Context(), q, []byte("correct horse battery staple"), vaultcrypto.DefaultArgon2Params()); err != nil {
		t.Fatal(err)
	}

	_, err := keymanager.Unlock(t.Context(), q, []byte("wrong"))
	if !errors.Is(err, vaulterrors.ErrWrongPassphrase) {
		t.Fatalf("got %v, want ErrWrongPassphrase", err)
	}
}

func TestRotatePassphrase(t *testing.T) {
	st := openTestStore(t)
	q := st.Queries()

	oldPP := []byte("correct horse battery staple")
	newPP := []byte("Tr0ub4dor&3")

	if err := keymanager.Init(t.Context(), q, oldPP, vaultcrypto.DefaultArgon2Params()); err != nil {
		t.Fatal(err)
	}

	beforeDEK, err := keymanager.Unlock(t.Context(), q, oldPP)
	if err != nil {
		t.Fatal(err)
	}

	beforeBytes := append([]byte(nil), beforeDEK.Bytes()...)
	beforeDEK.Destroy()

	if err := keymanager.RotatePassphrase(t.Context(), q, oldPP, newPP, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := keymanager.Unlock(t.Context(), q, oldPP); !errors.Is(err, vaulterrors.ErrWrongPassphrase) {
		t.Fatalf("old passphrase still unlocks after rotation: %v", err)
	}

	afterDEK, err := keymanager.Unlock(t.Context(), q, newPP)
	if err != nil {
		t.Fatal(err)
	}
	defer afterDEK.Destroy()

	if string(afterDEK.Bytes()) != string(beforeBytes) {
		t.Error("rotation changed the DEK; it must re-wrap the same key")
	}
}

func TestRotatePassphrase_WrongOldPassphrase(t *testing.T) {
	st := openTestStore(t)
	q := st.Queries()

	if err := keymanager.Init(t.Context(), q, []byte("correct horse battery staple"), vaultcrypto.DefaultArgon2Params()); err != nil {
		t.Fatal(err)
	}

	err := keymanager.RotatePassphrase(t.Context(), q, []byte("wrong"), []byte("new"), nil)
	if !errors.Is(err, vaulterrors.ErrWrongPassphrase) {
		t.Fatalf("got %v, want ErrWrongPassphrase", err)
	}
}
