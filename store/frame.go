package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chambervault/chamber/vaulterrors"
)

// metaFrameVersion is the only version this codec currently emits or
// accepts. Bumping it is how a future on-disk format change stays
// detectable: unknown versions are CorruptMeta, never silently accepted.
const metaFrameVersion = 1

// KDFAlgoArgon2id is the only KDF algorithm tag defined so far.
const KDFAlgoArgon2id = 1

// metaFrame is the wire layout of the meta.payload blob: everything
// needed to unwrap the DEK, plus the KDF parameters it was wrapped under.
// See spec.md §4.7.
type metaFrame struct {
	version     uint8
	kdfAlgo     uint8
	kdfMemory   uint32
	kdfTime     uint32
	kdfParallel uint32
	salt        [16]byte
	wrapNonce   [12]byte
	wrappedDEK  []byte
	aad         []byte
	createdAt   int64
	updatedAt   int64
}

func encodeMetaFrame(f metaFrame) []byte {
	buf := new(bytes.Buffer)

	buf.WriteByte(f.version)
	buf.WriteByte(f.kdfAlgo)
	writeUint32(buf, f.kdfMemory)
	writeUint32(buf, f.kdfTime)
	writeUint32(buf, f.kdfParallel)
	buf.Write(f.salt[:])
	buf.Write(f.wrapNonce[:])
	writeUint32(buf, uint32(len(f.wrappedDEK)))
	buf.Write(f.wrappedDEK)
	writeUint32(buf, uint32(len(f.aad)))
	buf.Write(f.aad)
	writeInt64(buf, f.createdAt)
	writeInt64(buf, f.updatedAt)

	return buf.Bytes()
}

// decodeMetaFrame parses the layout written by [encodeMetaFrame]. Any
// truncation, length mismatch, or unknown version is
// [vaulterrors.ErrCorruptMeta].
func decodeMetaFrame(b []byte) (metaFrame, error) {
	const op = "store.decodeMetaFrame"

	r := bytes.NewReader(b)

	var f metaFrame

	version, err := r.ReadByte()
	if err != nil {
		return metaFrame{}, vaulterrors.Errf(op, vaulterrors.ErrCorruptMeta)
	}

	f.version = version
	if f.version != metaFrameVersion {
		return metaFrame{}, fmt.Errorf("%s: unknown meta frame version %d: %w", op, f.version, vaulterrors.ErrCorruptMeta)
	}

	f.kdfAlgo, err = r.ReadByte()
	if err != nil {
		return metaFrame{}, vaulterrors.Errf(op, vaulterrors.ErrCorruptMeta)
	}

	if f.kdfMemory, err = readUint32(r); err != nil {
		return metaFrame{}, vaulterrors.Errf(op, vaulterrors.ErrCorruptMeta)
	}

	if f.kdfTime, err = readUint32(r); err != nil {
		return metaFrame{}, vaulterrors.Errf(op, vaulterrors.ErrCorruptMeta)
	}

	if f.kdfParallel, err = readUint32(r); err != nil {
		return metaFrame{}, vaulterrors.Errf(op, vaulterrors.ErrCorruptMeta)
	}

	if _, err := io.ReadFull(r, f.salt[:]); err != nil {
		return metaFrame{}, vaulterrors.Errf(op, vaulterrors.ErrCorruptMeta)
	}

	if _, err := io.ReadFull(r, f.wrapNonce[:]); err != nil {
		return metaFrame{}, vaulterrors.Errf(op, vaulterrors.ErrCorruptMeta)
	}

	wrappedLen, err := readUint32(r)
	if err != nil {
		return metaFrame{}, vaulterrors.Errf(op, vaulterrors.ErrCorruptMeta)
	}

	f.wrappedDEK = make([]byte, wrappedLen)
	if _, err := io.ReadFull(r, f.wrappedDEK); err != nil {
		return metaFrame{}, vaulterrors.Errf(op, vaulterrors.ErrCorruptMeta)
	}

	aadLen, err := readUint32(r)
	if err != nil {
		return metaFrame{}, vaulterrors.Errf(op, vaulterrors.ErrCorruptMeta)
	}

	f.aad = make([]byte, aadLen)
	if _, err := io.ReadFull(r, f.aad); err != nil {
		return metaFrame{}, vaulterrors.Errf(op, vaulterrors.ErrCorruptMeta)
	}

	if f.createdAt, err = readInt64(r); err != nil {
		return metaFrame{}, vaulterrors.Errf(op, vaulterrors.ErrCorruptMeta)
	}

	if f.updatedAt, err = readInt64(r); err != nil {
		return metaFrame{}, vaulterrors.Errf(op, vaulterrors.ErrCorruptMeta)
	}

	if r.Len() != 0 {
		return metaFrame{}, fmt.Errorf("%s: %d trailing bytes: %w", op, r.Len(), vaulterrors.ErrCorruptMeta)
	}

	return f, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}

	return int64(binary.LittleEndian.Uint64(tmp[:])), nil
}
