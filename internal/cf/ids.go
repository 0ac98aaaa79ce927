package cf

import "sync/atomic"

// idAllocator hands out family ids. It is safe for concurrent use.
type idAllocator struct {
	next atomic.Uint64
}

// Next returns a fresh id.
func (a *idAllocator) Next() ID {
	return ID(a.next.Add(1) - 1)
}

// Peek returns the id Next would return, without consuming it.
func (a *idAllocator) Peek() ID {
	return ID(a.next.Load())
}

// SetFloor ensures the next id is at least floor. Used during replay so
// ids of dropped families are never handed out again.
func (a *idAllocator) SetFloor(floor uint64) {
	for {
		current := a.next.Load()
		if current >= floor {
			return
		}
		if a.next.CompareAndSwap(current, floor) {
			return
		}
	}
}
