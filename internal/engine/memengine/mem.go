// Package memengine implements engine.Engine in memory on google/btree.
// A Store plays the role of the disk: it outlives any Engine opened on it,
// so closing and reopening an Engine over the same Store behaves like a
// process restart.
package memengine

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"cfdb/internal/engine"
)

const degree = 32

type item struct {
	key   []byte
	value []byte
}

func less(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type tree struct {
	mu sync.RWMutex
	bt *btree.BTreeG[item]
}

// Store holds the manifest and keyspace contents.
type Store struct {
	mu        sync.Mutex
	manifest  [][]byte
	keyspaces map[uint64]*tree
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{keyspaces: make(map[uint64]*tree)}
}

// ManifestLen returns the number of manifest records.
func (s *Store) ManifestLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.manifest)
}

// KeyspaceCount returns the number of allocated, unreleased keyspaces.
func (s *Store) KeyspaceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keyspaces)
}

// Hooks inject faults and delays. Any nil hook is skipped.
type Hooks struct {
	// BeforeAppend runs before a manifest append; an error aborts it.
	BeforeAppend func(rec []byte) error
	// BeforeAllocate runs before a keyspace allocation; an error aborts it.
	BeforeAllocate func(id uint64) error
	// BeforeRelease runs before a keyspace is released; an error aborts it.
	BeforeRelease func(id uint64) error
}

// Engine is an engine.Engine view over a Store.
type Engine struct {
	store  *Store
	hooks  Hooks
	closed atomic.Bool
}

// Open returns an engine over s. hooks may be nil.
func Open(s *Store, hooks *Hooks) *Engine {
	e := &Engine{store: s}
	if hooks != nil {
		e.hooks = *hooks
	}
	return e
}

func (e *Engine) AppendManifestRecord(rec []byte) (uint64, error) {
	if e.closed.Load() {
		return 0, engine.ErrClosed
	}
	if e.hooks.BeforeAppend != nil {
		if err := e.hooks.BeforeAppend(rec); err != nil {
			return 0, err
		}
	}
	cp := make([]byte, len(rec))
	copy(cp, rec)

	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	e.store.manifest = append(e.store.manifest, cp)
	return uint64(len(e.store.manifest)), nil
}

func (e *Engine) ReadManifest(from uint64, fn func(offset uint64, rec []byte) error) error {
	if e.closed.Load() {
		return engine.ErrClosed
	}
	e.store.mu.Lock()
	records := e.store.manifest[:len(e.store.manifest):len(e.store.manifest)]
	e.store.mu.Unlock()

	if from == 0 {
		from = 1
	}
	for off := from; off <= uint64(len(records)); off++ {
		if err := fn(off, records[off-1]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) AllocateKeyspace(id uint64, options []byte) (engine.Keyspace, error) {
	if e.closed.Load() {
		return nil, engine.ErrClosed
	}
	if _, err := engine.DecodeOptions(options); err != nil {
		return nil, err
	}
	if e.hooks.BeforeAllocate != nil {
		if err := e.hooks.BeforeAllocate(id); err != nil {
			return nil, err
		}
	}
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	t, ok := e.store.keyspaces[id]
	if !ok {
		t = &tree{bt: btree.NewG[item](degree, less)}
		e.store.keyspaces[id] = t
	}
	return &keyspace{engine: e, id: id, tree: t}, nil
}

func (e *Engine) ReleaseKeyspace(ks engine.Keyspace) error {
	k, ok := ks.(*keyspace)
	if !ok || k.engine.store != e.store {
		return fmt.Errorf("keyspace %d does not belong to this engine", ks.ID())
	}
	if e.hooks.BeforeRelease != nil {
		if err := e.hooks.BeforeRelease(k.id); err != nil {
			return err
		}
	}
	k.released.Store(true)
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	if e.store.keyspaces[k.id] == k.tree {
		delete(e.store.keyspaces, k.id)
	}
	return nil
}

// Close detaches the engine from its store. The store keeps its data.
func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

type keyspace struct {
	engine   *Engine
	id       uint64
	tree     *tree
	released atomic.Bool
}

func (k *keyspace) ID() uint64 { return k.id }

func (k *keyspace) check() error {
	if k.engine.closed.Load() {
		return engine.ErrClosed
	}
	if k.released.Load() {
		return engine.ErrReleased
	}
	return nil
}

func (k *keyspace) Get(key []byte) ([]byte, error) {
	if err := k.check(); err != nil {
		return nil, err
	}
	k.tree.mu.RLock()
	defer k.tree.mu.RUnlock()
	it, ok := k.tree.bt.Get(item{key: key})
	if !ok {
		return nil, engine.ErrKeyNotFound
	}
	val := make([]byte, len(it.value))
	copy(val, it.value)
	return val, nil
}

func (k *keyspace) Put(key, value []byte) error {
	if err := k.check(); err != nil {
		return err
	}
	if len(key) == 0 {
		return fmt.Errorf("empty key")
	}
	it := item{key: append([]byte(nil), key...), value: append([]byte(nil), value...)}
	k.tree.mu.Lock()
	defer k.tree.mu.Unlock()
	k.tree.bt.ReplaceOrInsert(it)
	return nil
}

func (k *keyspace) Delete(key []byte) error {
	if err := k.check(); err != nil {
		return err
	}
	k.tree.mu.Lock()
	defer k.tree.mu.Unlock()
	k.tree.bt.Delete(item{key: key})
	return nil
}

// scanPage is how many items Scan collects per tree lock.
const scanPage = 256

// Scan releases the tree lock around fn, so fn may write to the keyspace.
// Items are never mutated in place, so collected slices stay valid.
func (k *keyspace) Scan(prefix []byte, fn func(key, value []byte) error) error {
	from := prefix
	for {
		if err := k.check(); err != nil {
			return err
		}
		page := make([]item, 0, scanPage)
		k.tree.mu.RLock()
		k.tree.bt.AscendGreaterOrEqual(item{key: from}, func(it item) bool {
			if !bytes.HasPrefix(it.key, prefix) {
				return false
			}
			page = append(page, it)
			return len(page) < scanPage
		})
		k.tree.mu.RUnlock()

		for _, it := range page {
			if err := fn(it.key, it.value); err != nil {
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
