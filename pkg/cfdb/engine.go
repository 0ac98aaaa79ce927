package cfdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cfdb/internal/engine"
	"cfdb/internal/engine/badgerengine"
	"cfdb/internal/engine/boltengine"
	"cfdb/internal/engine/memengine"
)

// boltFile is the bolt database file inside the database directory.
const boltFile = "cfdb.bolt"

// memory databases live for the lifetime of the process, keyed by path,
// so a reopen sees what the previous session wrote.
var memStores = struct {
	sync.Mutex
	m map[string]*memengine.Store
}{m: make(map[string]*memengine.Store)}

func openEngine(path string, opts *Options, readOnly bool) (engine.Engine, error) {
	backend, err := opts.backend()
	if err != nil {
		return nil, err
	}
	create := opts.CreateIfMissing && !readOnly

	if backend == BackendMemory {
		memStores.Lock()
		defer memStores.Unlock()
		s, ok := memStores.m[path]
		if !ok {
			if !create {
				return nil, fmt.Errorf("memory database %q: %w", path, os.ErrNotExist)
			}
			s = memengine.NewStore()
			memStores.m[path] = s
		}
		return memengine.Open(s, nil), nil
	}

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) || !create {
			return nil, err
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	switch backend {
	case BackendBadger:
		return badgerengine.Open(path, &badgerengine.Options{
			SyncWrites: !opts.NoSync,
			ReadOnly:   readOnly,
		})
	default:
		return boltengine.Open(filepath.Join(path, boltFile), &boltengine.Options{
			ReadOnly: readOnly,
			Timeout:  opts.LockTimeout,
			NoSync:   opts.NoSync,
		})
	}
}
