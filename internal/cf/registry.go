package cf

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"cfdb/internal/engine"
	"cfdb/internal/logging"
	"cfdb/internal/manifest"
)

var registryLog = logging.For("cf.registry")

// entry is the in-memory state of one family. fam.State and ks are
// guarded by mu; the rest of fam never changes after insertion.
type entry struct {
	mu           sync.RWMutex
	fam          Family
	ks           engine.Keyspace
	maxValueSize int

	// inflight counts admitted leases; reclamation waits for it to drain.
	inflight sync.WaitGroup
	// fenced refuses new leases once the manager closes. Guarded by mu.
	fenced bool

	reclaimed  chan struct{}
	finishOnce sync.Once
	reclaimErr error
}

func newEntry(f Family) *entry {
	return &entry{fam: f, reclaimed: make(chan struct{})}
}

func (e *entry) state() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fam.State
}

func (e *entry) family() Family {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fam
}

func (e *entry) attach(ks engine.Keyspace, maxValueSize int) {
	e.mu.Lock()
	e.ks = ks
	e.maxValueSize = maxValueSize
	e.mu.Unlock()
}

func (e *entry) keyspace() engine.Keyspace {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ks
}

// finish signals waiters that reclamation ended, with err nil on success.
// Only the first call has any effect.
func (e *entry) finish(err error) {
	e.finishOnce.Do(func() {
		e.reclaimErr = err
		close(e.reclaimed)
	})
}

// Registry owns the family records and their state transitions. Every
// mutation appends its manifest record before memory changes.
type Registry struct {
	eng  engine.Engine
	dbID uuid.UUID

	// nameMu guards names and fenced, and serializes register.
	nameMu sync.Mutex
	names  map[string]ID
	fenced bool

	mu       sync.RWMutex
	families map[ID]*entry
	order    []ID

	ids idAllocator
}

func newRegistry(eng engine.Engine) *Registry {
	return &Registry{
		eng:      eng,
		names:    make(map[string]ID),
		families: make(map[ID]*entry),
	}
}

// reconstruct replays the manifest. It reports fresh when the manifest is
// empty. It must run before the registry is shared.
func (r *Registry) reconstruct() (fresh bool, err error) {
	count := 0
	err = r.eng.ReadManifest(0, func(offset uint64, data []byte) error {
		rec, err := manifest.Unmarshal(data)
		if err != nil {
			return corrupt(offset, "%v", err)
		}
		first := count == 0
		count++
		if first && rec.Op != manifest.OpIdentity {
			return corrupt(offset, "first record is %s, want Identity", rec.Op)
		}
		return r.apply(offset, rec)
	})
	if err != nil {
		return false, err
	}
	if count == 0 {
		return true, nil
	}

	var active, dropping, dropped int
	for _, e := range r.families {
		switch e.fam.State {
		case Active:
			active++
		case Dropping:
			dropping++
		case Dropped:
			dropped++
		}
	}
	registryLog.Info("manifest replayed",
		"db", r.dbID,
		"records", count,
		"active", active,
		"dropping", dropping,
		"dropped", dropped,
		"next_id", r.ids.Peek())
	return false, nil
}

func (r *Registry) apply(offset uint64, rec manifest.Record) error {
	if rec.Op == manifest.OpIdentity {
		if r.dbID != uuid.Nil {
			return corrupt(offset, "repeated Identity record")
		}
		if rec.Format > manifest.FormatVersion {
			return corrupt(offset, "format version %d is newer than %d", rec.Format, manifest.FormatVersion)
		}
		id, err := uuid.FromBytes(rec.DBID)
		if err != nil || id == uuid.Nil {
			return corrupt(offset, "bad database id")
		}
		r.dbID = id
		return nil
	}

	id := ID(rec.ID)
	if rec.Op == manifest.OpCreate {
		if _, ok := r.families[id]; ok {
			return corrupt(offset, "Create reuses id %d", id)
		}
		name := string(rec.Name)
		if name == "" {
			return corrupt(offset, "Create for id %d has no name", id)
		}
		if prev, ok := r.names[name]; ok {
			return corrupt(offset, "Create reuses name %q of active id %d", name, prev)
		}
		r.families[id] = newEntry(Family{
			ID:        id,
			Name:      name,
			Options:   rec.Options,
			State:     Active,
			CreatedAt: offset,
		})
		r.order = append(r.order, id)
		r.names[name] = id
		r.ids.SetFloor(rec.ID + 1)
		return nil
	}

	e, ok := r.families[id]
	if !ok {
		return corrupt(offset, "%s references unknown id %d", rec.Op, id)
	}
	switch rec.Op {
	case manifest.OpMarkDropping:
		if e.fam.State != Active {
			return corrupt(offset, "MarkDropping on %s family %d", e.fam.State, id)
		}
		e.fam.State = Dropping
		delete(r.names, e.fam.Name)
	case manifest.OpMarkDropped:
		if e.fam.State != Dropping {
			return corrupt(offset, "MarkDropped on %s family %d", e.fam.State, id)
		}
		e.fam.State = Dropped
		e.finish(nil)
	default:
		return corrupt(offset, "unexpected op %s", rec.Op)
	}
	return nil
}

// initialize gives a fresh database its identity record.
func (r *Registry) initialize() error {
	id := uuid.New()
	rec := manifest.Record{
		Op:     manifest.OpIdentity,
		DBID:   id[:],
		Format: manifest.FormatVersion,
	}
	if _, err := r.eng.AppendManifestRecord(rec.Marshal()); err != nil {
		return &EngineError{Op: "append manifest", Err: err}
	}
	r.dbID = id
	registryLog.Info("initialized manifest", "db", id)
	return nil
}

// register durably records a new Active family.
func (r *Registry) register(name string, options []byte) (*entry, error) {
	r.nameMu.Lock()
	defer r.nameMu.Unlock()
	if r.fenced {
		return nil, ErrClosed
	}

	// markDropping removes the name after releasing the entry lock, so the
	// index may briefly point at a family that is no longer Active.
	if id, ok := r.names[name]; ok {
		if e, ok := r.lookup(id); ok && e.state() == Active {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
	}

	id := r.ids.Next()
	rec := manifest.Record{
		Op:      manifest.OpCreate,
		ID:      uint64(id),
		Name:    []byte(name),
		Options: options,
	}
	offset, err := r.eng.AppendManifestRecord(rec.Marshal())
	if err != nil {
		return nil, &EngineError{Op: "append manifest", Family: name, Err: err}
	}

	e := newEntry(Family{
		ID:        id,
		Name:      name,
		Options:   options,
		State:     Active,
		CreatedAt: offset,
	})
	r.mu.Lock()
	r.families[id] = e
	r.order = append(r.order, id)
	r.mu.Unlock()
	r.names[name] = id

	registryLog.Debug("registered", "family", name, "id", id, "offset", offset)
	return e, nil
}

// fence refuses further registrations and leases, then waits for the
// admitted leases to be released.
func (r *Registry) fence() {
	r.nameMu.Lock()
	r.fenced = true
	r.nameMu.Unlock()

	r.mu.RLock()
	all := make([]*entry, 0, len(r.families))
	for _, e := range r.families {
		all = append(all, e)
	}
	r.mu.RUnlock()

	for _, e := range all {
		e.mu.Lock()
		e.fenced = true
		e.mu.Unlock()
		e.inflight.Wait()
	}
}

// markDropping moves an Active family to Dropping. New leases are refused
// once it returns.
func (r *Registry) markDropping(id ID) (*entry, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	e.mu.Lock()
	if e.fam.State != Active {
		state := e.fam.State
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %q is %s", ErrInvalidTransition, e.fam.Name, state)
	}
	rec := manifest.Record{Op: manifest.OpMarkDropping, ID: uint64(id)}
	if _, err := r.eng.AppendManifestRecord(rec.Marshal()); err != nil {
		e.mu.Unlock()
		return nil, &EngineError{Op: "append manifest", Family: e.fam.Name, Err: err}
	}
	e.fam.State = Dropping
	e.mu.Unlock()

	r.nameMu.Lock()
	if r.names[e.fam.Name] == id {
		delete(r.names, e.fam.Name)
	}
	r.nameMu.Unlock()

	registryLog.Debug("marked dropping", "family", e.fam.Name, "id", id)
	return e, nil
}

// markDropped completes a drop. The keyspace must already be released.
func (r *Registry) markDropped(id ID) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	e.mu.Lock()
	if e.fam.State != Dropping {
		state := e.fam.State
		e.mu.Unlock()
		return fmt.Errorf("%w: %q is %s", ErrInvalidTransition, e.fam.Name, state)
	}
	rec := manifest.Record{Op: manifest.OpMarkDropped, ID: uint64(id)}
	if _, err := r.eng.AppendManifestRecord(rec.Marshal()); err != nil {
		e.mu.Unlock()
		return &EngineError{Op: "append manifest", Family: e.fam.Name, Err: err}
	}
	e.fam.State = Dropped
	e.ks = nil
	e.mu.Unlock()

	e.finish(nil)
	registryLog.Debug("marked dropped", "family", e.fam.Name, "id", id)
	return nil
}

func (r *Registry) lookup(id ID) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.families[id]
	return e, ok
}

// entries returns the families in the given state, in creation order.
func (r *Registry) entries(state State) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*entry
	for _, id := range r.order {
		e := r.families[id]
		if e.state() == state {
			out = append(out, e)
		}
	}
	return out
}

// snapshot returns every family ever created, in creation order.
func (r *Registry) snapshot() []Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Family, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.families[id].family())
	}
	return out
}

// Inspect replays eng's manifest without writing to it and returns every
// family in creation order. An empty manifest yields no families.
func Inspect(eng engine.Engine) ([]Family, error) {
	reg := newRegistry(eng)
	if _, err := reg.reconstruct(); err != nil {
		return nil, err
	}
	return reg.snapshot(), nil
}
