// Package cfdb is an embedded key-value database whose keyspace is split
// into column families. Families are created and dropped at runtime while
// other families keep serving reads and writes.
package cfdb

import (
	"context"
	"sync"

	"cfdb/internal/cf"
	"cfdb/internal/engine"
	"cfdb/internal/events"
	"cfdb/internal/logging"
)

var logger = logging.For("cfdb")

type (
	Handle        = cf.Handle
	Family        = cf.Family
	FamilyOptions = engine.FamilyOptions
	Event         = events.Event
	Subscription  = events.Subscription
	OpenError     = cf.OpenError
	EngineError   = cf.EngineError
)

const DefaultColumnFamilyName = cf.DefaultName

var (
	ErrDuplicateName     = cf.ErrDuplicateName
	ErrNotFound          = cf.ErrNotFound
	ErrStaleHandle       = cf.ErrStaleHandle
	ErrInvalidTransition = cf.ErrInvalidTransition
	ErrProtectedFamily   = cf.ErrProtectedFamily
	ErrCorruptManifest   = cf.ErrCorruptManifest
	ErrInvalidName       = cf.ErrInvalidName
	ErrClosed            = cf.ErrClosed
	ErrValueTooLarge     = cf.ErrValueTooLarge
	ErrKeyNotFound       = cf.ErrKeyNotFound
)

// DB is an open database.
type DB struct {
	path string
	eng  engine.Engine
	mgr  *cf.Manager

	closeOnce sync.Once
	closeErr  error
}

// Open opens the database at path and returns a handle for every live
// column family. families supplies options by name; they take precedence
// over the options persisted at creation. Entries naming families that do
// not exist are ignored. A nil opts means DefaultOptions().
func Open(path string, opts *Options, families map[string]FamilyOptions) (*DB, []*Handle, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	eng, err := openEngine(path, opts, false)
	if err != nil {
		return nil, nil, &OpenError{Path: path, Err: err}
	}

	known := make(map[string][]byte, len(families))
	for name, fo := range families {
		blob, err := engine.EncodeOptions(fo)
		if err != nil {
			_ = eng.Close()
			return nil, nil, &OpenError{Path: path, Err: err}
		}
		known[name] = blob
	}
	fallback, err := engine.EncodeOptions(opts.DefaultFamilyOptions)
	if err != nil {
		_ = eng.Close()
		return nil, nil, &OpenError{Path: path, Err: err}
	}

	mgr, handles, err := cf.Open(eng, known, cf.Options{
		Path:           path,
		ReclaimWorkers: opts.ReclaimWorkers,
		DefaultOptions: fallback,
	})
	if err != nil {
		_ = eng.Close()
		return nil, nil, err
	}
	backend, _ := opts.backend()
	logger.Debug("database open", "path", path, "backend", backend, "families", len(handles))
	return &DB{path: path, eng: eng, mgr: mgr}, handles, nil
}

// ListColumnFamilies returns the names of the live column families at
// path, in creation order, without opening the database for writing.
func ListColumnFamilies(path string, opts *Options) ([]string, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	eng, err := openEngine(path, opts, true)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	defer eng.Close()

	fams, err := cf.Inspect(eng)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	seen := make(map[string]bool, len(fams))
	var names []string
	for _, f := range fams {
		if f.State != cf.Active || seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		names = append(names, f.Name)
	}
	return names, nil
}

func (db *DB) Path() string { return db.path }

// CreateColumnFamily creates a family. Names of dropped families may be
// reused; the new family starts empty.
func (db *DB) CreateColumnFamily(name string, opts FamilyOptions) (*Handle, error) {
	blob, err := engine.EncodeOptions(opts)
	if err != nil {
		return nil, err
	}
	return db.mgr.Create(name, blob)
}

// DropColumnFamily drops the family of h. It returns once the drop is
// durable; the data is reclaimed in the background.
func (db *DB) DropColumnFamily(h *Handle) error {
	return db.mgr.Drop(h)
}

// WaitReclaimed waits for a dropped family's data to be reclaimed.
func (db *DB) WaitReclaimed(ctx context.Context, h *Handle) error {
	return db.mgr.WaitReclaimed(ctx, h)
}

func (db *DB) Get(h *Handle, key []byte) ([]byte, error) {
	return db.mgr.Get(h, key)
}

func (db *DB) Put(h *Handle, key, value []byte) error {
	return db.mgr.Put(h, key, value)
}

func (db *DB) Delete(h *Handle, key []byte) error {
	return db.mgr.Delete(h, key)
}

// Scan calls fn for each key with prefix, in key order. key and value are
// only valid during the call. fn may write to the database, but keys it
// adds under prefix may or may not be visited. fn must not call Close.
func (db *DB) Scan(h *Handle, prefix []byte, fn func(key, value []byte) error) error {
	return db.mgr.Scan(h, prefix, fn)
}

// ColumnFamilies returns the handles of all live families in creation
// order.
func (db *DB) ColumnFamilies() []*Handle {
	return db.mgr.List()
}

func (db *DB) ColumnFamily(name string) (*Handle, error) {
	return db.mgr.Lookup(name)
}

func (db *DB) DefaultColumnFamily() *Handle {
	return db.mgr.Default()
}

// Families returns every family ever created, including dropped ones.
func (db *DB) Families() []Family {
	return db.mgr.Families()
}

func (db *DB) Subscribe() *Subscription {
	return db.mgr.Subscribe()
}

func (db *DB) Unsubscribe(s *Subscription) {
	db.mgr.Unsubscribe(s)
}

// Close waits for queued reclamation and in-flight operations, then closes
// the engine. Handles are unusable afterwards.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		_ = db.mgr.Close()
		db.closeErr = db.eng.Close()
		logger.Debug("database closed", "path", db.path)
	})
	return db.closeErr
}
