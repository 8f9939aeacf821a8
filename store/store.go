// Package store embeds the on-disk relational schema a vault is persisted
// in: a single SQLite file holding one meta row and the items table,
// opened with WAL journaling, foreign keys, and owner-only permissions.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ladzaretti/migrate"
	"github.com/ladzaretti/migrate/types"
	"golang.org/x/sys/unix"

	// Package sqlite is a CGo-free port of SQLite/SQLite3.
	_ "modernc.org/sqlite"

	"github.com/chambervault/chamber/vaulterrors"
)

const pragma = `
PRAGMA journal_mode = WAL;
PRAGMA foreign_keys = ON;
PRAGMA synchronous = NORMAL;
`

// ownerOnlyMode is the required POSIX permission bits for a vault file.
const ownerOnlyMode = 0o600

//go:embed migrations
var migrationsFS embed.FS

var schemaMigrations = migrate.EmbeddedMigrations{
	FS:   migrationsFS,
	Path: "migrations",
}

type config struct {
	allowInsecurePermissions bool
}

// Option configures [Open].
type Option func(*config)

// WithInsecurePermissions disables the owner-only permission check. Only
// intended for test fixtures that run under a umask the caller does not
// control.
func WithInsecurePermissions() Option {
	return func(c *config) { c.allowInsecurePermissions = true }
}

// Store owns the on-disk SQLite file and the advisory lock guarding it.
type Store struct {
	db        *sql.DB
	lockFile  *os.File
	path      string
	closeOnce sync.Once
}

// Open creates path if absent, enforces file permissions, acquires an
// exclusive advisory lock, and applies pending migrations in a single
// transaction.
func Open(ctx context.Context, path string, opts ...Option) (st *Store, retErr error) {
	const op = "store.Open"

	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	if err := ensureOwnerOnlyFile(path, cfg.allowInsecurePermissions); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	lockFile, err := acquireLock(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	defer func() {
		if retErr != nil {
			_ = lockFile.Close()
		}
	}()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	defer func() {
		if retErr != nil {
			_ = db.Close()
		}
	}()

	if _, err := db.ExecContext(ctx, pragma); err != nil {
		return nil, vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	m := migrate.New(db, migrate.SQLiteDialect{})
	if _, err := m.ApplyContext(ctx, schemaMigrations); err != nil {
		return nil, vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	return &Store{db: db, lockFile: lockFile, path: path}, nil
}

// Close releases the advisory lock and closes the underlying database
// handle. Safe to call multiple times.
func (st *Store) Close() (retErr error) {
	if st == nil {
		return nil
	}

	st.closeOnce.Do(func() {
		var errs []error

		if err := st.db.Close(); err != nil {
			errs = append(errs, err)
		}

		if err := unlockAndClose(st.lockFile); err != nil {
			errs = append(errs, err)
		}

		retErr = errors.Join(errs...)
	})

	return retErr
}

// Queries returns a [Queries] handle bound to the store's connection pool.
func (st *Store) Queries() *Queries {
	return New(st.db)
}

// Tx runs fn with a transaction-scoped [Queries] handle, committing on
// success and rolling back on any error fn returns.
func (st *Store) Tx(ctx context.Context, fn func(*Queries) error) (retErr error) {
	const op = "store.Tx"

	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	if err := fn(st.Queries().WithTx(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return vaulterrors.Wrapf(op, vaulterrors.ErrStorage, errors.Join(rbErr, err))
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	return nil
}

func ensureOwnerOnlyFile(path string, allowInsecure bool) error {
	const op = "store.ensureOwnerOnlyFile"

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, ownerOnlyMode)
		if err != nil {
			return vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
		}

		return f.Close()
	}

	if err != nil {
		return vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	if !allowInsecure && info.Mode().Perm()&0o077 != 0 {
		return vaulterrors.Errf(op, vaulterrors.ErrPermissions)
	}

	return nil
}

func acquireLock(path string) (*os.File, error) {
	const op = "store.acquireLock"

	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, ownerOnlyMode)
	if err != nil {
		return nil, vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, vaulterrors.Errf(op, vaulterrors.ErrBusy)
		}

		return nil, vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	return f, nil
}

func unlockAndClose(f *os.File) error {
	if f == nil {
		return nil
	}

	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return f.Close()
}

var _ types.DBTX = (*sql.DB)(nil)
