// Package badgerengine implements engine.Engine on badger. Column families
// share one LSM tree and are separated by key prefix: manifest records live
// under "m/" + offset, keyspace data under "k/" + id + user key.
package badgerengine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger"

	"cfdb/internal/engine"
	"cfdb/internal/logging"
)

var (
	manifestPrefix = []byte("m/")
	keyspacePrefix = []byte("k/")
	sequenceKey    = []byte("!seq/manifest")
)

// sequenceBandwidth is how many manifest offsets one lease reserves.
const sequenceBandwidth = 64

var logger = logging.For("engine.badger")

// Options tunes the badger instance.
type Options struct {
	// SyncWrites fsyncs every commit. Manifest appends should be durable,
	// so production callers set it.
	SyncWrites bool
	// ReadOnly opens without leasing manifest offsets; appends fail.
	ReadOnly bool
}

// Engine implements engine.Engine using badger.
type Engine struct {
	db *badger.DB

	appendMu sync.Mutex // orders offset allocation with the write
	seq      *badger.Sequence
}

// Open creates or opens a badger database in dir.
func Open(dir string, opts *Options) (*Engine, error) {
	if opts == nil {
		opts = &Options{}
	}
	bo := badger.DefaultOptions(dir)
	bo.SyncWrites = opts.SyncWrites
	bo.Logger = slogBridge{}
	bo.ReadOnly = opts.ReadOnly

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	if opts.ReadOnly {
		logger.Debug("opened", "dir", dir, "read_only", true)
		return &Engine{db: db}, nil
	}
	seq, err := db.GetSequence(sequenceKey, sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("leasing manifest sequence: %w", err)
	}
	logger.Debug("opened", "dir", dir)
	return &Engine{db: db, seq: seq}, nil
}

func (e *Engine) AppendManifestRecord(rec []byte) (uint64, error) {
	if e.seq == nil {
		return 0, engine.ErrReadOnly
	}
	e.appendMu.Lock()
	defer e.appendMu.Unlock()

	n, err := e.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("allocating manifest offset: %w", err)
	}
	offset := n + 1 // offsets start at 1 like the other engines
	err = e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(manifestKey(offset), rec)
	})
	if err != nil {
		return 0, err
	}
	return offset, nil
}

func (e *Engine) ReadManifest(from uint64, fn func(offset uint64, rec []byte) error) error {
	return e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(manifestKey(from)); it.ValidForPrefix(manifestPrefix); it.Next() {
			item := it.Item()
			offset := binary.BigEndian.Uint64(item.Key()[len(manifestPrefix):])
			rec, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(offset, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// AllocateKeyspace is cheap: prefixes need no setup.
func (e *Engine) AllocateKeyspace(id uint64, options []byte) (engine.Keyspace, error) {
	if _, err := engine.DecodeOptions(options); err != nil {
		return nil, err
	}
	return &keyspace{db: e.db, id: id, prefix: keyspaceKey(id, nil)}, nil
}

// ReleaseKeyspace deletes every key under the family prefix in bounded
// transactions. Writers to other families keep running meanwhile, which
// rules out DropPrefix.
func (e *Engine) ReleaseKeyspace(ks engine.Keyspace) error {
	k, ok := ks.(*keyspace)
	if !ok || k.db != e.db {
		return fmt.Errorf("keyspace %d does not belong to this engine", ks.ID())
	}
	k.released.Store(true)
	deleted := 0
	for {
		keys, err := e.collectKeys(k.prefix, releaseBatch)
		if err != nil {
			return fmt.Errorf("listing keyspace %d: %w", k.id, err)
		}
		if len(keys) == 0 {
			break
		}
		if err := e.deleteKeys(keys); err != nil {
			return fmt.Errorf("deleting keyspace %d: %w", k.id, err)
		}
		deleted += len(keys)
	}
	logger.Debug("released keyspace", "id", k.id, "keys", deleted)
	return nil
}

// releaseBatch bounds how many keys one release pass holds in memory.
const releaseBatch = 1000

func (e *Engine) collectKeys(prefix []byte, limit int) ([][]byte, error) {
	var keys [][]byte
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(keys) < limit; it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

// deleteKeys commits whenever the transaction grows too big and carries on
// in a fresh one.
func (e *Engine) deleteKeys(keys [][]byte) error {
	txn := e.db.NewTransaction(true)
	defer func() { txn.Discard() }()
	for _, key := range keys {
		err := txn.Delete(key)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return err
			}
			txn = e.db.NewTransaction(true)
			err = txn.Delete(key)
		}
		if err != nil {
			return err
		}
	}
	return txn.Commit()
}

func (e *Engine) Close() error {
	if e.seq != nil {
		if err := e.seq.Release(); err != nil {
			logger.Warn("releasing manifest sequence", "err", err)
		}
	}
	return e.db.Close()
}

type keyspace struct {
	db       *badger.DB
	id       uint64
	prefix   []byte
	released atomic.Bool
}

func (k *keyspace) ID() uint64 { return k.id }

func (k *keyspace) key(user []byte) []byte {
	out := make([]byte, 0, len(k.prefix)+len(user))
	out = append(out, k.prefix...)
	return append(out, user...)
}

func (k *keyspace) Get(key []byte) ([]byte, error) {
	if k.released.Load() {
		return nil, engine.ErrReleased
	}
	var val []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return engine.ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

func (k *keyspace) Put(key, value []byte) error {
	if k.released.Load() {
		return engine.ErrReleased
	}
	if len(key) == 0 {
		return badger.ErrEmptyKey
	}
	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k.key(key), value)
	})
}

func (k *keyspace) Delete(key []byte) error {
	if k.released.Load() {
		return engine.ErrReleased
	}
	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k.key(key))
	})
}

func (k *keyspace) Scan(prefix []byte, fn func(key, value []byte) error) error {
	if k.released.Load() {
		return engine.ErrReleased
	}
	full := k.key(prefix)
	return k.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.Key()[len(k.prefix):], val); err != nil {
				return err
			}
		}
		return nil
	})
}

func manifestKey(offset uint64) []byte {
	key := make([]byte, len(manifestPrefix)+8)
	copy(key, manifestPrefix)
	binary.BigEndian.PutUint64(key[len(manifestPrefix):], offset)
	return key
}

func keyspaceKey(id uint64, user []byte) []byte {
	key := make([]byte, len(keyspacePrefix)+8, len(keyspacePrefix)+8+len(user))
	copy(key, keyspacePrefix)
	binary.BigEndian.PutUint64(key[len(keyspacePrefix):], id)
	return append(key, user...)
}

// slogBridge routes badger's internal logging into slog.
type slogBridge struct{}

func (slogBridge) Errorf(format string, args ...interface{}) {
	logger.Error(fmt.Sprintf(format, args...))
}

func (slogBridge) Warningf(format string, args ...interface{}) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func (slogBridge) Infof(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func (slogBridge) Debugf(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf(format, args...))
}
