package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ladzaretti/migrate/types"

	"github.com/chambervault/chamber/vaulterrors"
)

// metaKey is the fixed, single row key for the meta table. A vault has
// exactly one meta row for its lifetime.
const metaKey = "v1"

// VaultMeta is the decoded contents of the meta row: the KDF parameters a
// vault was initialized (or last rotated) under, its salt, and the wrapped
// DEK.
type VaultMeta struct {
	KDFAlgo        uint8
	KDFMemoryKiB   uint32
	KDFIters       uint32
	KDFParallelism uint32
	KDFSalt        [16]byte
	WrapNonce      [12]byte
	WrappedDEK     []byte
	WrapAAD        []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Queries is a typed accessor over either a *sql.DB or a *sql.Tx, following
// the same db/WithTx split used throughout this codebase's storage layer.
type Queries struct {
	db types.DBTX
}

// New constructs a [Queries] bound to db.
func New(db types.DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a new [Queries] using the given transaction.
func (*Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const selectMeta = `SELECT payload FROM meta WHERE key = ?`

// LoadMeta returns the decoded meta row, or [vaulterrors.ErrNotInitialized]
// if no row exists yet.
func (q *Queries) LoadMeta(ctx context.Context) (*VaultMeta, error) {
	const op = "store.LoadMeta"

	var payload []byte

	err := q.db.QueryRowContext(ctx, selectMeta, metaKey).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, vaulterrors.Errf(op, vaulterrors.ErrNotInitialized)
	}

	if err != nil {
		return nil, vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	frame, err := decodeMetaFrame(payload)
	if err != nil {
		return nil, err
	}

	return &VaultMeta{
		KDFAlgo:        frame.kdfAlgo,
		KDFMemoryKiB:   frame.kdfMemory,
		KDFIters:       frame.kdfTime,
		KDFParallelism: frame.kdfParallel,
		KDFSalt:        frame.salt,
		WrapNonce:      frame.wrapNonce,
		WrappedDEK:     frame.wrappedDEK,
		WrapAAD:        frame.aad,
		CreatedAt:      time.Unix(frame.createdAt, 0).UTC(),
		UpdatedAt:      time.Unix(frame.updatedAt, 0).UTC(),
	}, nil
}

const upsertMeta = `
	INSERT INTO meta (key, payload)
	VALUES (?, ?)
	ON CONFLICT (key) DO UPDATE SET payload = excluded.payload
`

// UpsertMeta encodes m and writes it to the single meta row, creating it if
// absent.
func (q *Queries) UpsertMeta(ctx context.Context, m VaultMeta) error {
	const op = "store.UpsertMeta"

	frame := metaFrame{
		version:     metaFrameVersion,
		kdfAlgo:     m.KDFAlgo,
		kdfMemory:   m.KDFMemoryKiB,
		kdfTime:     m.KDFIters,
		kdfParallel: m.KDFParallelism,
		salt:        m.KDFSalt,
		wrapNonce:   m.WrapNonce,
		wrappedDEK:  m.WrappedDEK,
		aad:         m.WrapAAD,
		createdAt:   m.CreatedAt.Unix(),
		updatedAt:   m.UpdatedAt.Unix(),
	}

	if _, err := q.db.ExecContext(ctx, upsertMeta, metaKey, encodeMetaFrame(frame)); err != nil {
		return vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	return nil
}

// MetaExists reports whether the meta row has already been written,
// without decoding its payload.
func (q *Queries) MetaExists(ctx context.Context) (bool, error) {
	const op = "store.MetaExists"

	var n int

	err := q.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM meta WHERE key = ?`, metaKey).Scan(&n)
	if err != nil {
		return false, vaulterrors.Wrapf(op, vaulterrors.ErrStorage, err)
	}

	return n > 0, nil
}
