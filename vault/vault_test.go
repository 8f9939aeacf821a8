package vault_test

import (
	"bytes"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/chambervault/chamber/chamberconfig"
	"github.com/chambervault/chamber/chamberlog"
	"github.com/chambervault/chamber/vault"
	"github.com/chambervault/chamber/vaulterrors"
)

func openTestVault(t *testing.T) (*vault.Vault, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vault.db")

	v, err := vault.Open(t.Context(), path)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = v.Close() })

	return v, path
}

func initAndUnlock(t *testing.T, v *vault.Vault, passphrase string) {
	t.Helper()

	if err := v.Init(t.Context(), []byte(passphrase), nil); err != nil {
		t.Fatal(err)
	}

	if err := v.Unlock(t.Context(), []byte(passphrase)); err != nil {
		t.Fatal(err)
	}
}

func TestOpen_UninitializedVault(t *testing.T) {
	v, _ := openTestVault(t)

	ok, err := v.IsInitialized(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	if ok {
		t.Error("freshly opened vault reports initialized")
	}

	_, err = v.Get(t.Context(), "anything")
	if !errors.Is(err, vaulterrors.ErrNotInitialized) {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}
}

func TestInit_ThenAddGet(t *testing.T) {
	v, _ := openTestVault(t)

	initAndUnlock(t, v, "correct horse battery staple")

	id, err := v.Add(t.Context(), vault.NewItem{Name: "gh", Kind: vault.KindAPIKey, Value: []byte("ghp_abc123")})
	if err != nil {
		t.Fatal(err)
	}

	if id == 0 {
		t.Error("expected non-zero item id")
	}

	got, err := v.Get(t.Context(), "gh")
	if err != nil {
		t.Fatal(err)
	}

	if string(got.Value) != "ghp_abc123" {
		t.Errorf("got value %q, want %q", got.Value, "ghp_abc123")
	}

	if got.Kind != vault.KindAPIKey {
		t.Errorf("got kind %v, want KindAPIKey", got.Kind)
	}
}

func TestAdd_WhileLockedFails(t *testing.T) {
	v, _ := openTestVault(t)

	if err := v.Init(t.Context(), []byte("pp"), nil); err != nil {
		t.Fatal(err)
	}

	_, err := v.Add(t.Context(), vault.NewItem{Name: "x", Kind: vault.KindNote, Value: []byte("v")})
	if !errors.Is(err, vaulterrors.ErrVaultLocked) {
		t.Fatalf("got %v, want ErrVaultLocked", err)
	}
}

func TestUnlock_WrongPassphrase(t *testing.T) {
	v, _ := openTestVault(t)

	if err := v.Init(t.Context(), []byte("correct horse battery staple"), nil); err != nil {
		t.Fatal(err)
	}

	err := v.Unlock(t.Context(), []byte("wrong"))
	if !errors.Is(err, vaulterrors.ErrWrongPassphrase) {
		t.Fatalf("got %v, want ErrWrongPassphrase", err)
	}
}

func TestLock_ThenOperationFails(t *testing.T) {
	v, _ := openTestVault(t)

	initAndUnlock(t, v, "pp")

	if _, err := v.Add(t.Context(), vault.NewItem{Name: "x", Kind: vault.KindNote, Value: []byte("v")}); err != nil {
		t.Fatal(err)
	}

	if err := v.Lock(); err != nil {
		t.Fatal(err)
	}

	if _, err := v.Get(t.Context(), "x"); !errors.Is(err, vaulterrors.ErrVaultLocked) {
		t.Fatalf("got %v, want ErrVaultLocked", err)
	}
}

func TestAdd_DuplicateName(t *testing.T) {
	v, _ := openTestVault(t)

	initAndUnlock(t, v, "pp")

	item := vault.NewItem{Name: "dup", Kind: vault.KindPassword, Value: []byte("v1")}

	if _, err := v.Add(t.Context(), item); err != nil {
		t.Fatal(err)
	}

	if _, err := v.Add(t.Context(), item); !errors.Is(err, vaulterrors.ErrDuplicateName) {
		t.Fatalf("got %v, want ErrDuplicateName", err)
	}
}

func TestAdd_ValueTooLarge(t *testing.T) {
	v, _ := openTestVault(t)

	initAndUnlock(t, v, "pp")

	big := make([]byte, 1<<20+1)

	_, err := v.Add(t.Context(), vault.NewItem{Name: "huge", Kind: vault.KindNote, Value: big})
	if !errors.Is(err, vaulterrors.ErrValueTooLarge) {
		t.Fatalf("got %v, want ErrValueTooLarge", err)
	}
}

func TestAdd_InvalidNameOrKind(t *testing.T) {
	v, _ := openTestVault(t)

	initAndUnlock(t, v, "pp")

	cases := []vault.NewItem{
		{Name: "", Kind: vault.KindNote, Value: []byte("v")},
		{Name: "ok", Kind: vault.KindUnspecified, Value: []byte("v")},
	}

	for _, c := range cases {
		if _, err := v.Add(t.Context(), c); !errors.Is(err, vaulterrors.ErrInvalidName) {
			t.Errorf("item %+v: got %v, want ErrInvalidName", c, err)
		}
	}
}

func TestUpdate_RenamePreservesValue(t *testing.T) {
	v, _ := openTestVault(t)

	initAndUnlock(t, v, "pp")

	if _, err := v.Add(t.Context(), vault.NewItem{Name: "old", Kind: vault.KindNote, Value: []byte("hello")}); err != nil {
		t.Fatal(err)
	}

	newName := "new"

	if err := v.Update(t.Context(), "old", vault.ItemPatch{Name: &newName}); err != nil {
		t.Fatal(err)
	}

	got, err := v.Get(t.Context(), "new")
	if err != nil {
		t.Fatal(err)
	}

	if string(got.Value) != "hello" {
		t.Errorf("got value %q after rename, want %q", got.Value, "hello")
	}

	if _, err := v.Get(t.Context(), "old"); !errors.Is(err, vaulterrors.ErrNotFound) {
		t.Fatalf("old name still resolves after rename: %v", err)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	v, _ := openTestVault(t)

	initAndUnlock(t, v, "pp")

	err := v.Update(t.Context(), "nope", vault.ItemPatch{Value: []byte("v")})
	if !errors.Is(err, vaulterrors.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestDelete_ThenList(t *testing.T) {
	v, _ := openTestVault(t)

	initAndUnlock(t, v, "pp")

	for _, name := range []string{"a", "b", "c"} {
		if _, err := v.Add(t.Context(), vault.NewItem{Name: name, Kind: vault.KindNote, Value: []byte("v")}); err != nil {
			t.Fatal(err)
		}
	}

	if err := v.Delete(t.Context(), "b"); err != nil {
		t.Fatal(err)
	}

	items, err := v.List(t.Context(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(items) != 2 {
		t.Fatalf("got %d items after delete, want 2", len(items))
	}

	if err := v.Delete(t.Context(), "b"); !errors.Is(err, vaulterrors.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound on second delete", err)
	}
}

func TestList_WhileLockedSucceeds(t *testing.T) {
	v, _ := openTestVault(t)

	initAndUnlock(t, v, "pp")

	if _, err := v.Add(t.Context(), vault.NewItem{Name: "a", Kind: vault.KindNote, Value: []byte("v")}); err != nil {
		t.Fatal(err)
	}

	if err := v.Lock(); err != nil {
		t.Fatal(err)
	}

	items, err := v.List(t.Context(), nil)
	if err != nil {
		t.Fatalf("List while Locked: %v", err)
	}

	if len(items) != 1 || items[0].Name != "a" {
		t.Errorf("got %+v, want metadata for item a", items)
	}
}

func TestList_WhileUninitializedFails(t *testing.T) {
	v, _ := openTestVault(t)

	if _, err := v.List(t.Context(), nil); !errors.Is(err, vaulterrors.ErrNotInitialized) {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}
}

func TestRotatePassphrase_DataReadableAfter(t *testing.T) {
	v, _ := openTestVault(t)

	initAndUnlock(t, v, "old-passphrase")

	if _, err := v.Add(t.Context(), vault.NewItem{Name: "secret", Kind: vault.KindPassword, Value: []byte("hunter2")}); err != nil {
		t.Fatal(err)
	}

	if err := v.RotatePassphrase(t.Context(), []byte("old-passphrase"), []byte("new-passphrase"), nil); err != nil {
		t.Fatal(err)
	}

	if err := v.Lock(); err != nil {
		t.Fatal(err)
	}

	if err := v.Unlock(t.Context(), []byte("old-passphrase")); !errors.Is(err, vaulterrors.ErrWrongPassphrase) {
		t.Fatalf("old passphrase still unlocks after rotation: %v", err)
	}

	if err := v.Unlock(t.Context(), []byte("new-passphrase")); err != nil {
		t.Fatal(err)
	}

	got, err := v.Get(t.Context(), "secret")
	if err != nil {
		t.Fatal(err)
	}

	if string(got.Value) != "hunter2" {
		t.Errorf("got value %q after rotation, want %q", got.Value, "hunter2")
	}
}

func TestGet_TamperedNameYieldsTampered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	v, err := vault.Open(t.Context(), path)
	if err != nil {
		t.Fatal(err)
	}

	initAndUnlock(t, v, "pp")

	if _, err := v.Add(t.Context(), vault.NewItem{Name: "gh", Kind: vault.KindAPIKey, Value: []byte("ghp_abc123")}); err != nil {
		t.Fatal(err)
	}

	if err := v.Close(); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := db.ExecContext(t.Context(), `UPDATE items SET name = 'evil' WHERE name = 'gh'`); err != nil {
		t.Fatal(err)
	}

	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	v2, err := vault.Open(t.Context(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = v2.Close() }()

	if err := v2.Unlock(t.Context(), []byte("pp")); err != nil {
		t.Fatal(err)
	}

	_, err = v2.Get(t.Context(), "evil")
	if !errors.Is(err, vaulterrors.ErrTampered) {
		t.Fatalf("got %v, want ErrTampered", err)
	}
}

func TestOpen_BusyOnSecondHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	first, err := vault.Open(t.Context(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Close() }()

	_, err = vault.Open(t.Context(), path)
	if !errors.Is(err, vaulterrors.ErrBusy) {
		t.Fatalf("got %v, want ErrBusy", err)
	}
}

func TestInit_Twice(t *testing.T) {
	v, _ := openTestVault(t)

	if err := v.Init(t.Context(), []byte("pp"), nil); err != nil {
		t.Fatal(err)
	}

	err := v.Init(t.Context(), []byte("pp"), nil)
	if !errors.Is(err, vaulterrors.ErrAlreadyInitialized) {
		t.Fatalf("got %v, want ErrAlreadyInitialized", err)
	}
}

func TestWithConfig_SuppliesInitDefaults(t *testing.T) {
	cfg, err := chamberconfig.New(chamberconfig.WithInsecurePermissions())
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "vault.db")

	v, err := vault.Open(t.Context(), path, vault.WithConfig(cfg))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = v.Close() }()

	if err := v.Init(t.Context(), []byte("pp"), nil); err != nil {
		t.Fatal(err)
	}
}

func TestWithLogger_RecordsStateTransitions(t *testing.T) {
	var buf bytes.Buffer

	path := filepath.Join(t.TempDir(), "vault.db")

	v, err := vault.Open(t.Context(), path, vault.WithLogger(chamberlog.New(&buf)))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = v.Close() }()

	if err := v.Init(t.Context(), []byte("pp"), nil); err != nil {
		t.Fatal(err)
	}

	if !bytes.Contains(buf.Bytes(), []byte("vault initialized")) {
		t.Errorf("expected init log line, got: %s", buf.String())
	}
}

func TestClose_Idempotent(t *testing.T) {
	v, _ := openTestVault(t)

	if err := v.Close(); err != nil {
		t.Fatal(err)
	}

	if err := v.Close(); err != nil {
		t.Fatalf("second close returned error: %v", err)
	}
}
