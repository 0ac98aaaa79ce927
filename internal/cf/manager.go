package cf

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cfdb/internal/engine"
	"cfdb/internal/events"
	"cfdb/internal/logging"
)

var managerLog = logging.For("cf.manager")

// Options tune a Manager.
type Options struct {
	// Path names the database in errors and logs.
	Path string
	// ReclaimWorkers bounds concurrent reclamation. Defaults to
	// DefaultReclaimWorkers.
	ReclaimWorkers int
	// DefaultOptions applies to families with neither a caller-supplied
	// config nor persisted options.
	DefaultOptions []byte
}

// Manager is the column-family lifecycle manager of one open database.
// All methods are safe for concurrent use.
type Manager struct {
	eng     engine.Engine
	reg     *Registry
	handles *HandleTable
	router  *Router
	reclaim *reclaimer
	hub     *events.Hub
	opts    Options

	closed    atomic.Bool
	closeOnce sync.Once
}

// Open recovers the family set from eng's manifest and returns a handle
// for every Active family, in creation order. known maps family names to
// option blobs that take precedence over the persisted ones. A fresh
// manifest gets an identity and the default family.
//
// Families left Dropping by an interrupted drop are reclaimed before Open
// returns. On failure nothing is left running; eng stays open and belongs
// to the caller.
func Open(eng engine.Engine, known map[string][]byte, opts Options) (*Manager, []*Handle, error) {
	m := &Manager{
		eng:     eng,
		reg:     newRegistry(eng),
		handles: newHandleTable(),
		hub:     events.NewHub(),
		opts:    opts,
	}
	m.router = newRouter(m.reg)
	m.reclaim = newReclaimer(m.reg, eng, m.hub)
	go m.hub.Run()

	if err := m.open(known); err != nil {
		m.hub.Stop()
		return nil, nil, &OpenError{Path: opts.Path, Err: err}
	}

	m.reclaim.start(opts.ReclaimWorkers)
	handles := m.handles.list()
	managerLog.Info("opened",
		"path", opts.Path,
		"db", m.reg.dbID,
		"families", len(handles))
	return m, handles, nil
}

func (m *Manager) open(known map[string][]byte) error {
	fresh, err := m.reg.reconstruct()
	if err != nil {
		return err
	}
	if err := m.ensureDefault(fresh, known); err != nil {
		return err
	}

	if err := m.resumeDrops(); err != nil {
		return err
	}

	discovered := make(map[string]bool)
	for _, e := range m.reg.entries(Active) {
		fam := e.family()
		discovered[fam.Name] = true

		options, source := m.pickOptions(known, fam)
		fo, err := decodeOptions(fam.Name, options)
		if err != nil {
			return err
		}
		ks, err := m.eng.AllocateKeyspace(uint64(fam.ID), options)
		if err != nil {
			return &EngineError{Op: "allocate keyspace", Family: fam.Name, Err: err}
		}
		e.attach(ks, fo.MaxValueSize)
		m.handles.put(fam.Name, m.newHandle(fam))
		managerLog.Debug("attached", "family", fam.Name, "id", fam.ID, "options", source)
	}

	for name := range known {
		if !discovered[name] {
			managerLog.Debug("ignoring options for undiscovered column family", "family", name)
		}
	}
	return nil
}

// ensureDefault gives a fresh database its identity and the default family.
// It also registers the default family when an earlier open died between
// the Identity record and the default's Create record.
func (m *Manager) ensureDefault(fresh bool, known map[string][]byte) error {
	if e, ok := m.reg.lookup(DefaultID); ok {
		if name := e.family().Name; name != DefaultName {
			return fmt.Errorf("%w: id %d belongs to %q, not %q", ErrCorruptManifest, DefaultID, name, DefaultName)
		}
		return nil
	}
	if !fresh && m.reg.ids.Peek() != DefaultID {
		return fmt.Errorf("%w: no Create record for the default column family", ErrCorruptManifest)
	}

	options := m.opts.DefaultOptions
	if o, ok := known[DefaultName]; ok {
		options = o
	}
	if _, err := decodeOptions(DefaultName, options); err != nil {
		return err
	}
	if fresh {
		if err := m.reg.initialize(); err != nil {
			return err
		}
	} else {
		managerLog.Warn("default column family missing from manifest, registering it", "db", m.reg.dbID)
	}
	_, err := m.reg.register(DefaultName, options)
	return err
}

// resumeDrops finishes drops interrupted by a crash or a failed reclaim.
func (m *Manager) resumeDrops() error {
	dropping := m.reg.entries(Dropping)
	if len(dropping) == 0 {
		return nil
	}
	workers := m.opts.ReclaimWorkers
	if workers <= 0 {
		workers = DefaultReclaimWorkers
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, e := range dropping {
		e := e
		g.Go(func() error {
			fam := e.family()
			managerLog.Info("resuming drop", "family", fam.Name, "id", fam.ID)
			ks, err := m.eng.AllocateKeyspace(uint64(fam.ID), fam.Options)
			if err != nil {
				return &EngineError{Op: "allocate keyspace", Family: fam.Name, Err: err}
			}
			e.attach(ks, 0)
			return m.reclaim.reclaim(e)
		})
	}
	return g.Wait()
}

// pickOptions applies the precedence caller config, persisted options,
// fallback default.
func (m *Manager) pickOptions(known map[string][]byte, fam Family) ([]byte, string) {
	if o, ok := known[fam.Name]; ok {
		return o, "caller"
	}
	if len(fam.Options) > 0 {
		return fam.Options, "manifest"
	}
	return m.opts.DefaultOptions, "default"
}

func decodeOptions(name string, blob []byte) (engine.FamilyOptions, error) {
	fo, err := engine.DecodeOptions(blob)
	if err == nil {
		err = fo.Validate()
	}
	if err != nil {
		return engine.FamilyOptions{}, fmt.Errorf("column family %q: %w", name, err)
	}
	return fo, nil
}

func (m *Manager) newHandle(fam Family) *Handle {
	return &Handle{id: fam.ID, name: fam.Name, db: m.reg.dbID}
}

// Create registers a new family and returns its handle. Of concurrent
// creates with one name exactly one succeeds.
func (m *Manager) Create(name string, options []byte) (*Handle, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	fo, err := decodeOptions(name, options)
	if err != nil {
		return nil, err
	}

	e, err := m.reg.register(name, options)
	if err != nil {
		return nil, err
	}
	fam := e.family()

	ks, err := m.eng.AllocateKeyspace(uint64(fam.ID), options)
	if err != nil {
		m.rollForward(fam)
		return nil, &EngineError{Op: "allocate keyspace", Family: name, Err: err}
	}
	e.attach(ks, fo.MaxValueSize)

	h := m.newHandle(fam)
	m.handles.put(name, h)
	managerLog.Info("created", "family", name, "id", fam.ID)
	m.hub.Publish(events.Event{Kind: events.Created, FamilyID: uint64(fam.ID), Family: name})
	return h, nil
}

// rollForward drops a family whose Create record is durable but whose
// keyspace never came to be. Anything left Dropping is resumed on reopen.
func (m *Manager) rollForward(fam Family) {
	log := managerLog.With("family", fam.Name, "id", fam.ID)
	e, err := m.reg.markDropping(fam.ID)
	if err != nil {
		log.Error("rolling back create", "error", err)
		return
	}
	if err := m.reg.markDropped(fam.ID); err != nil {
		log.Error("rolling back create", "error", err)
		e.finish(err)
		return
	}
	log.Warn("create rolled forward to dropped")
}

// Drop marks the family Dropping and queues its reclamation. It returns
// once the transition is durable; use WaitReclaimed to wait for the rest.
func (m *Manager) Drop(h *Handle) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := m.owns(h); err != nil {
		return err
	}
	if h.id == DefaultID {
		return ErrProtectedFamily
	}

	e, err := m.reg.markDropping(h.id)
	if err != nil {
		return err
	}
	m.handles.remove(h.id)
	managerLog.Info("dropping", "family", h.name, "id", h.id)
	m.hub.Publish(events.Event{Kind: events.Dropping, FamilyID: uint64(h.id), Family: h.name})

	if !m.reclaim.enqueue(e) {
		managerLog.Warn("closing, reclaim deferred to next open", "family", h.name, "id", h.id)
		e.finish(ErrClosed)
	}
	return nil
}

// WaitReclaimed blocks until the family of h is Dropped, its reclamation
// fails, or ctx is done.
func (m *Manager) WaitReclaimed(ctx context.Context, h *Handle) error {
	if err := m.owns(h); err != nil {
		return err
	}
	e, ok := m.reg.lookup(h.id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	select {
	case <-e.reclaimed:
		return e.reclaimErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) owns(h *Handle) error {
	if h == nil {
		return fmt.Errorf("%w: nil handle", ErrStaleHandle)
	}
	if h.db != m.reg.dbID {
		return fmt.Errorf("%w: %s belongs to database %s", ErrStaleHandle, h, h.db)
	}
	return nil
}

// List returns the handles of all Active families in creation order.
func (m *Manager) List() []*Handle {
	return m.handles.list()
}

// Lookup returns the handle of the Active family called name.
func (m *Manager) Lookup(name string) (*Handle, error) {
	return m.handles.get(name)
}

// Default returns the handle of the default family.
func (m *Manager) Default() *Handle {
	h, _ := m.handles.get(DefaultName)
	return h
}

// Families returns every family ever created, dropped ones included, in
// creation order.
func (m *Manager) Families() []Family {
	return m.reg.snapshot()
}

// DBID returns the identity recorded in the manifest.
func (m *Manager) DBID() uuid.UUID {
	return m.reg.dbID
}

// Subscribe returns a subscription to lifecycle events.
func (m *Manager) Subscribe() *events.Subscription {
	return m.hub.Subscribe()
}

func (m *Manager) Unsubscribe(s *events.Subscription) {
	m.hub.Unsubscribe(s)
}

func (m *Manager) Get(h *Handle, key []byte) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return m.router.Get(h, key)
}

func (m *Manager) Put(h *Handle, key, value []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.router.Put(h, key, value)
}

func (m *Manager) Delete(h *Handle, key []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.router.Delete(h, key)
}

func (m *Manager) Scan(h *Handle, prefix []byte, fn func(key, value []byte) error) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.router.Scan(h, prefix, fn)
}

// Close rejects further operations, waits for queued reclamation and for
// operations already in flight, and stops the event hub. It does not close
// the engine. Calling Close from a Scan callback deadlocks.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		pending := m.reclaim.pending()
		m.reclaim.close()
		m.reg.fence()
		m.hub.Stop()

		var stuck []string
		for _, e := range m.reg.entries(Dropping) {
			stuck = append(stuck, e.family().Name)
		}
		sort.Strings(stuck)
		if len(stuck) > 0 {
			managerLog.Warn("closed with families still dropping", "families", stuck)
		}
		managerLog.Info("closed", "path", m.opts.Path, "drained", pending)
	})
	return nil
}
