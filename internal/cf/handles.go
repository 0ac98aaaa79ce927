package cf

import (
	"fmt"
	"sort"
	"sync"
)

// HandleTable maps live family names to their handles. It holds no
// lifecycle logic; the manager keeps it in step with the registry.
type HandleTable struct {
	mu     sync.RWMutex
	byName map[string]*Handle
	byID   map[ID]*Handle
}

func newHandleTable() *HandleTable {
	return &HandleTable{
		byName: make(map[string]*Handle),
		byID:   make(map[ID]*Handle),
	}
}

func (t *HandleTable) put(name string, h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[name] = h
	t.byID[h.id] = h
}

func (t *HandleTable) remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	if t.byName[h.name] == h {
		delete(t.byName, h.name)
	}
}

func (t *HandleTable) get(name string) (*Handle, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return h, nil
}

// list returns all handles in creation order.
func (t *HandleTable) list() []*Handle {
	t.mu.RLock()
	out := make([]*Handle, 0, len(t.byID))
	for _, h := range t.byID {
		out = append(out, h)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (t *HandleTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
