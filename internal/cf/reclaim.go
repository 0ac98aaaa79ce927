package cf

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cfdb/internal/engine"
	"cfdb/internal/events"
	"cfdb/internal/logging"
)

var reclaimLog = logging.For("cf.reclaim")

// DefaultReclaimWorkers is used when Options.ReclaimWorkers is not positive.
const DefaultReclaimWorkers = 2

// reclaimer moves Dropping families to Dropped in the background. Each
// family waits for its own leases, so a slow drain holds one worker only.
type reclaimer struct {
	reg *Registry
	eng engine.Engine
	hub *events.Hub

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*entry
	closing bool

	g errgroup.Group
}

func newReclaimer(reg *Registry, eng engine.Engine, hub *events.Hub) *reclaimer {
	rc := &reclaimer{reg: reg, eng: eng, hub: hub}
	rc.cond = sync.NewCond(&rc.mu)
	return rc
}

func (rc *reclaimer) start(workers int) {
	if workers <= 0 {
		workers = DefaultReclaimWorkers
	}
	for i := 0; i < workers; i++ {
		rc.g.Go(rc.work)
	}
}

// enqueue never blocks. It reports false once close has begun.
func (rc *reclaimer) enqueue(e *entry) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closing {
		return false
	}
	rc.queue = append(rc.queue, e)
	rc.cond.Signal()
	return true
}

func (rc *reclaimer) next() *entry {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for len(rc.queue) == 0 && !rc.closing {
		rc.cond.Wait()
	}
	if len(rc.queue) == 0 {
		return nil
	}
	e := rc.queue[0]
	rc.queue[0] = nil
	rc.queue = rc.queue[1:]
	return e
}

func (rc *reclaimer) work() error {
	for {
		e := rc.next()
		if e == nil {
			return nil
		}
		// Failures are reported per family; the worker keeps going.
		_ = rc.reclaim(e)
	}
}

// close drains the queue and waits for the workers to exit.
func (rc *reclaimer) close() {
	rc.mu.Lock()
	rc.closing = true
	rc.cond.Broadcast()
	rc.mu.Unlock()
	_ = rc.g.Wait()
}

func (rc *reclaimer) pending() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.queue)
}

// reclaim waits for in-flight operations, releases the keyspace and
// records the family as Dropped. On failure the family stays Dropping and
// is resumed on the next open.
func (rc *reclaimer) reclaim(e *entry) error {
	start := time.Now()
	fam := e.family()
	log := reclaimLog.With("family", fam.Name, "id", fam.ID)

	e.inflight.Wait()

	if ks := e.keyspace(); ks != nil {
		if err := rc.eng.ReleaseKeyspace(ks); err != nil {
			return rc.fail(e, log, &EngineError{Op: "release keyspace", Family: fam.Name, Err: err})
		}
	}
	if err := rc.reg.markDropped(fam.ID); err != nil {
		return rc.fail(e, log, err)
	}

	log.Info("reclaimed", "elapsed", time.Since(start))
	rc.hub.Publish(events.Event{Kind: events.Reclaimed, FamilyID: uint64(fam.ID), Family: fam.Name})
	return nil
}

func (rc *reclaimer) fail(e *entry, log *slog.Logger, err error) error {
	log.Error("reclaim failed", "error", err)
	e.finish(err)
	fam := e.family()
	rc.hub.Publish(events.Event{Kind: events.ReclaimFailed, FamilyID: uint64(fam.ID), Family: fam.Name, Err: err})
	return err
}
