package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/chambervault/chamber/util"
	"github.com/chambervault/chamber/vaulterrors"
)

// ItemKind is the closed enum of secret kinds a vault item can hold.
type ItemKind uint8

const (
	KindUnspecified ItemKind = iota
	KindPassword
	KindAPIKey
	KindEnvVar
	KindSSHKey
	KindCertificate
	KindDatabase
	KindNote
)

// String returns the lowercase name of k (e.g. "apikey"). The persisted
// kind column and the item AAD carry k's numeric byte value, not this name.
func (k ItemKind) String() string {
	switch k {
	case KindPassword:
		return "password"
	case KindAPIKey:
		return "apikey"
	case KindEnvVar:
		return "envvar"
	case KindSSHKey:
		return "sshkey"
	case KindCertificate:
		return "certificate"
	case KindDatabase:
		return "database"
	case KindNote:
		return "note"
	default:
		return "unspecified"
	}
}

// Valid reports whether k is one of the seven defined kinds.
func (k ItemKind) Valid() bool {
	return k >= KindPassword && k <= KindNote
}

// ItemRow is a raw persisted item row: name/kind/timestamps in the clear,
// nonce and ciphertext still sealed. Decryption is the vault engine's job,
// not the store's.
type ItemRow struct {
	ID         int64
	Name       string
	Kind       ItemKind
	Nonce      []byte
	Ciphertext []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ItemMeta is the metadata-only projection of an item: safe to return
// while the vault is Locked since it never touches ciphertext.
type ItemMeta struct {
	ID        int64
	Name      string
	Kind      ItemKind
	CreatedAt time.Time
	UpdatedAt time.Time
}

const insertItem = `
	INSERT INTO items (name, kind, nonce, ciphertext, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
`

// InsertItem inserts a new item row, returning its assigned id. Fails with
// [vaulterrors.ErrDuplicateName] if name is already in use.
func (q *Queries) InsertItem(ctx context.Context, row ItemRow) (int64, error) {
	const op = "store.InsertItem"

	res, err := q.db.ExecContext(ctx, insertItem,
		row.Name, uint8(row.Kind), row.Nonce, row.Ciphertext,
		row.CreatedAt.UTC().Format(time.RFC3339), row.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return 0, vaulterrors.Errf(op, vaulterrors.ErrDuplicateName)
		}

		return 0, vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	return id, nil
}

const updateItem = `
	UPDATE items
	SET name = ?, kind = ?, nonce = ?, ciphertext = ?, updated_at = ?
	WHERE name = ?
`

// UpdateItem replaces the row matching oldName in place, writing the fresh
// nonce/ciphertext/kind/name produced by the caller. Fails with
// [vaulterrors.ErrNotFound] if oldName does not exist, or
// [vaulterrors.ErrDuplicateName] if the new name collides with another row.
func (q *Queries) UpdateItem(ctx context.Context, oldName string, row ItemRow) error {
	const op = "store.UpdateItem"

	res, err := q.db.ExecContext(ctx, updateItem,
		row.Name, uint8(row.Kind), row.Nonce, row.Ciphertext,
		row.UpdatedAt.UTC().Format(time.RFC3339), oldName)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return vaulterrors.Errf(op, vaulterrors.ErrDuplicateName)
		}

		return vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	if n == 0 {
		return vaulterrors.Errf(op, vaulterrors.ErrNotFound)
	}

	return nil
}

const selectItemByName = `
	SELECT id, name, kind, nonce, ciphertext, created_at, updated_at
	FROM items
	WHERE name = ?
`

// GetItemByName returns the raw row for name, or [vaulterrors.ErrNotFound].
func (q *Queries) GetItemByName(ctx context.Context, name string) (*ItemRow, error) {
	const op = "store.GetItemByName"

	row := q.db.QueryRowContext(ctx, selectItemByName, name)

	item, err := scanItemRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, vaulterrors.Errf(op, vaulterrors.ErrNotFound)
	}

	if err != nil {
		return nil, vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	return item, nil
}

const deleteItem = `DELETE FROM items WHERE name = ?`

// DeleteItem removes the row matching name, or returns
// [vaulterrors.ErrNotFound] if it does not exist.
func (q *Queries) DeleteItem(ctx context.Context, name string) error {
	const op = "store.DeleteItem"

	res, err := q.db.ExecContext(ctx, deleteItem, name)
	if err != nil {
		return vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	if n == 0 {
		return vaulterrors.Errf(op, vaulterrors.ErrNotFound)
	}

	return nil
}

// ListFilter narrows [Queries.ListItems] by name glob and/or kind. A zero
// value lists everything.
type ListFilter struct {
	NamePattern string
	Kinds       []ItemKind
}

// ListItems returns metadata for every item matching filter, ordered by
// name. Never touches ciphertext or nonce: safe to call while Locked.
func (q *Queries) ListItems(ctx context.Context, filter *ListFilter) ([]ItemMeta, error) {
	const op = "store.ListItems"

	query := `SELECT id, name, kind, created_at, updated_at FROM items`

	var (
		clauses []string
		args    []any
	)

	if filter != nil {
		if filter.NamePattern != "" {
			clauses = append(clauses, "name GLOB ?")
			args = append(args, filter.NamePattern)
		}

		if len(filter.Kinds) > 0 {
			kinds := make([]uint8, len(filter.Kinds))
			for i, k := range filter.Kinds {
				kinds[i] = uint8(k)
			}

			placeholders := make([]string, len(kinds))
			for i := range placeholders {
				placeholders[i] = "?"
			}

			clauses = append(clauses, "kind IN ("+strings.Join(placeholders, ",")+")")
			args = append(args, util.ToAnySlice(kinds)...)
		}
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	query += " ORDER BY name"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var items []ItemMeta

	for rows.Next() {
		var (
			m                    ItemMeta
			kind                 uint8
			createdRaw, updatedRaw string
		)

		if err := rows.Scan(&m.ID, &m.Name, &kind, &createdRaw, &updatedRaw); err != nil {
			return nil, vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
		}

		m.Kind = ItemKind(kind)

		m.CreatedAt, err = time.Parse(time.RFC3339, createdRaw)
		if err != nil {
			return nil, vaulterrors.Wrapf(op, vaulterrors.ErrCorruptItem, err)
		}

		m.UpdatedAt, err = time.Parse(time.RFC3339, updatedRaw)
		if err != nil {
			return nil, vaulterrors.Wrapf(op, vaulterrors.ErrCorruptItem, err)
		}

		items = append(items, m)
	}

	if err := rows.Err(); err != nil {
		return nil, vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	return items, nil
}

func scanItemRow(scan func(dest ...any) error) (*ItemRow, error) {
	var (
		row                    ItemRow
		kind                   uint8
		createdRaw, updatedRaw string
	)

	if err := scan(&row.ID, &row.Name, &kind, &row.Nonce, &row.Ciphertext, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}

	row.Kind = ItemKind(kind)

	createdAt, err := time.Parse(time.RFC3339, createdRaw)
	if err != nil {
		return nil, err
	}

	updatedAt, err := time.Parse(time.RFC3339, updatedRaw)
	if err != nil {
		return nil, err
	}

	row.CreatedAt = createdAt
	row.UpdatedAt = updatedAt

	return &row, nil
}

// isUniqueConstraintErr reports whether err originates from a UNIQUE
// constraint violation on the items.name column. modernc.org/sqlite
// surfaces this as a *sqlite.Error whose message contains "UNIQUE
// constraint failed"; matching on the message is the documented way to
// detect this condition without importing the driver's internal error
// codes package.
func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
