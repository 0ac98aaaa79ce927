// Package boltengine implements engine.Engine on bbolt. The manifest lives
// in its own bucket keyed by bbolt's per-bucket sequence; each column family
// gets a bucket named "cf/" + big-endian id.
package boltengine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"cfdb/internal/engine"
	"cfdb/internal/logging"
)

var (
	manifestBucket = []byte("manifest")
	keyspacePrefix = []byte("cf/")
)

var logger = logging.For("engine.bolt")

// Options tunes how the bolt file is opened.
type Options struct {
	// ReadOnly opens with a shared lock; appends and allocations fail.
	ReadOnly bool
	// Timeout bounds the wait for the file lock. Zero waits forever.
	Timeout time.Duration
	// NoSync skips fsync on commit. Only for tests and benchmarks.
	NoSync bool
}

// Engine implements engine.Engine using bbolt (embedded B+ tree).
type Engine struct {
	db       *bolt.DB
	readOnly bool
}

// Open creates or opens a bbolt database at the given path.
func Open(path string, opts *Options) (*Engine, error) {
	if opts == nil {
		opts = &Options{}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:  opts.Timeout,
		ReadOnly: opts.ReadOnly,
		NoSync:   opts.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	if !opts.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(manifestBucket)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating manifest bucket: %w", err)
		}
	}
	logger.Debug("opened", "path", path, "read_only", opts.ReadOnly)
	return &Engine{db: db, readOnly: opts.ReadOnly}, nil
}

// Path returns the database file path.
func (e *Engine) Path() string {
	return e.db.Path()
}

func (e *Engine) AppendManifestRecord(rec []byte) (uint64, error) {
	if e.readOnly {
		return 0, engine.ErrReadOnly
	}
	var offset uint64
	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(manifestBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating manifest offset: %w", err)
		}
		offset = seq
		return b.Put(u64(seq), rec)
	})
	if err != nil {
		return 0, err
	}
	return offset, nil
}

func (e *Engine) ReadManifest(from uint64, fn func(offset uint64, rec []byte) error) error {
	return e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(manifestBucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(u64(from)); k != nil; k, v = c.Next() {
			if err := fn(binary.BigEndian.Uint64(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) AllocateKeyspace(id uint64, options []byte) (engine.Keyspace, error) {
	if e.readOnly {
		return nil, engine.ErrReadOnly
	}
	opts, err := engine.DecodeOptions(options)
	if err != nil {
		return nil, err
	}
	name := bucketName(id)
	err = e.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating keyspace bucket: %w", err)
	}
	return &keyspace{db: e.db, id: id, bucket: name, fillPercent: opts.FillPercent}, nil
}

func (e *Engine) ReleaseKeyspace(ks engine.Keyspace) error {
	k, ok := ks.(*keyspace)
	if !ok || k.db != e.db {
		return fmt.Errorf("keyspace %d does not belong to this engine", ks.ID())
	}
	k.released.Store(true)
	err := e.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(k.bucket)
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting keyspace bucket: %w", err)
	}
	return nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

type keyspace struct {
	db          *bolt.DB
	id          uint64
	bucket      []byte
	fillPercent float64
	released    atomic.Bool
}

func (k *keyspace) ID() uint64 { return k.id }

func (k *keyspace) Get(key []byte) ([]byte, error) {
	if k.released.Load() {
		return nil, engine.ErrReleased
	}
	var val []byte
	err := k.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(k.bucket)
		if b == nil {
			return engine.ErrReleased
		}
		v := b.Get(key)
		if v == nil {
			return engine.ErrKeyNotFound
		}
		val = make([]byte, len(v))
		copy(val, v)
		return nil
	})
	return val, err
}

func (k *keyspace) Put(key, value []byte) error {
	if k.released.Load() {
		return engine.ErrReleased
	}
	return k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(k.bucket)
		if b == nil {
			return engine.ErrReleased
		}
		if k.fillPercent > 0 {
			b.FillPercent = k.fillPercent
		}
		return b.Put(key, value)
	})
}

func (k *keyspace) Delete(key []byte) error {
	if k.released.Load() {
		return engine.ErrReleased
	}
	return k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(k.bucket)
		if b == nil {
			return engine.ErrReleased
		}
		return b.Delete(key)
	})
}

// scanPage is how many pairs one read transaction copies out during Scan.
const scanPage = 256

type pair struct{ key, value []byte }

// Scan copies pairs out a page at a time so that fn runs outside any bolt
// transaction and may write to the same database.
func (k *keyspace) Scan(prefix []byte, fn func(key, value []byte) error) error {
	from := prefix
	for {
		page, err := k.page(prefix, from)
		if err != nil {
			return err
		}
		for _, p := range page {
			if err := fn(p.key, p.value); err != nil {
				return err
			}
		}
		if len(page) < scanPage {
			return nil
		}
		last := page[len(page)-1].key
		from = append(append(make([]byte, 0, len(last)+1), last...), 0)
	}
}

func (k *keyspace) page(prefix, from []byte) ([]pair, error) {
	if k.released.Load() {
		return nil, engine.ErrReleased
	}
	var page []pair
	err := k.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(k.bucket)
		if b == nil {
			return engine.ErrReleased
		}
		c := b.Cursor()
		for key, v := c.Seek(from); key != nil && bytes.HasPrefix(key, prefix) && len(page) < scanPage; key, v = c.Next() {
			page = append(page, pair{
				key:   append([]byte(nil), key...),
				value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	return page, err
}

func bucketName(id uint64) []byte {
	name := make([]byte, len(keyspacePrefix)+8)
	copy(name, keyspacePrefix)
	binary.BigEndian.PutUint64(name[len(keyspacePrefix):], id)
	return name
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
