// Package engine defines the storage contract the column-family manager
// runs on. An Engine persists an append-only manifest and hands out one
// Keyspace per column family id.
package engine

import "errors"

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrClosed      = errors.New("engine closed")
	ErrReadOnly    = errors.New("engine opened read-only")
	// ErrReleased is returned by keyspace operations after ReleaseKeyspace.
	ErrReleased = errors.New("keyspace released")
)

// Engine is the storage engine beneath the column-family manager.
type Engine interface {
	// AppendManifestRecord durably appends one record and returns its
	// offset. The append is all-or-nothing. Offsets grow strictly.
	AppendManifestRecord(rec []byte) (uint64, error)

	// ReadManifest calls fn for every record at offset >= from, in
	// offset order. A non-nil error from fn stops the scan and is returned.
	ReadManifest(from uint64, fn func(offset uint64, rec []byte) error) error

	// AllocateKeyspace opens the keyspace for id, creating it if needed.
	// options is the opaque blob recorded when the family was created.
	AllocateKeyspace(id uint64, options []byte) (Keyspace, error)

	// ReleaseKeyspace discards the keyspace and all of its data. It may
	// block while the engine reclaims space.
	ReleaseKeyspace(ks Keyspace) error

	Close() error
}

// Keyspace is one independent key-value namespace.
type Keyspace interface {
	ID() uint64
	// Get returns ErrKeyNotFound when key is absent. The returned slice
	// is owned by the caller.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// Scan visits keys with the given prefix in ascending order. key and
	// value are only valid for the duration of the call. fn may write to
	// the same database; such writes may or may not be visited.
	Scan(prefix []byte, fn func(key, value []byte) error) error
}
