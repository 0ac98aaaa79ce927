package cf

import (
	"errors"
	"fmt"

	"cfdb/internal/engine"
)

// lease pins a family's keyspace for the duration of one operation.
type lease struct {
	e  *entry
	ks engine.Keyspace
}

func (l lease) release() { l.e.inflight.Done() }

// Router turns handles into keyspaces and forwards data operations.
type Router struct {
	reg *Registry
}

func newRouter(reg *Registry) *Router {
	return &Router{reg: reg}
}

// resolve admits an operation against h. The caller must release the
// returned lease.
func (rt *Router) resolve(h *Handle) (lease, error) {
	if h == nil {
		return lease{}, fmt.Errorf("%w: nil handle", ErrStaleHandle)
	}
	if h.db != rt.reg.dbID {
		return lease{}, fmt.Errorf("%w: %s belongs to database %s", ErrStaleHandle, h, h.db)
	}
	e, ok := rt.reg.lookup(h.id)
	if !ok {
		return lease{}, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.fenced {
		return lease{}, ErrClosed
	}
	if e.fam.State != Active {
		return lease{}, fmt.Errorf("%w: %s is %s", ErrStaleHandle, h, e.fam.State)
	}
	if e.ks == nil {
		return lease{}, fmt.Errorf("%w: %s has no keyspace", ErrStaleHandle, h)
	}
	e.inflight.Add(1)
	return lease{e: e, ks: e.ks}, nil
}

func (rt *Router) Get(h *Handle, key []byte) ([]byte, error) {
	l, err := rt.resolve(h)
	if err != nil {
		return nil, err
	}
	defer l.release()

	value, err := l.ks.Get(key)
	if errors.Is(err, engine.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, &EngineError{Op: "get", Family: h.name, Err: err}
	}
	return value, nil
}

func (rt *Router) Put(h *Handle, key, value []byte) error {
	l, err := rt.resolve(h)
	if err != nil {
		return err
	}
	defer l.release()

	if limit := l.e.maxValueSize; limit > 0 && len(value) > limit {
		return fmt.Errorf("%w: %d bytes, %s allows %d", ErrValueTooLarge, len(value), h, limit)
	}
	if err := l.ks.Put(key, value); err != nil {
		return &EngineError{Op: "put", Family: h.name, Err: err}
	}
	return nil
}

func (rt *Router) Delete(h *Handle, key []byte) error {
	l, err := rt.resolve(h)
	if err != nil {
		return err
	}
	defer l.release()

	if err := l.ks.Delete(key); err != nil {
		return &EngineError{Op: "delete", Family: h.name, Err: err}
	}
	return nil
}

// Scan visits keys with prefix in ascending order. An error returned by fn
// stops the scan and is returned as is.
func (rt *Router) Scan(h *Handle, prefix []byte, fn func(key, value []byte) error) error {
	l, err := rt.resolve(h)
	if err != nil {
		return err
	}
	defer l.release()

	var fnErr error
	err = l.ks.Scan(prefix, func(k, v []byte) error {
		if err := fn(k, v); err != nil {
			fnErr = err
			return err
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return &EngineError{Op: "scan", Family: h.name, Err: err}
	}
	return nil
}
