// Package events broadcasts column-family lifecycle events to subscribers.
package events

import (
	"fmt"
	"sync"
)

// Kind is the lifecycle step an Event reports.
type Kind uint8

const (
	Created Kind = iota + 1
	Dropping
	Reclaimed
	ReclaimFailed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Dropping:
		return "dropping"
	case Reclaimed:
		return "reclaimed"
	case ReclaimFailed:
		return "reclaim-failed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event describes one lifecycle transition of a column family.
type Event struct {
	Kind     Kind
	FamilyID uint64
	Family   string
	Err      error // set for ReclaimFailed
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s (id=%d): %v", e.Family, e.Kind, e.FamilyID, e.Err)
	}
	return fmt.Sprintf("%s %s (id=%d)", e.Family, e.Kind, e.FamilyID)
}

// Subscription receives events on C until Unsubscribe or Hub.Stop closes it.
type Subscription struct {
	ID uint64
	C  chan Event
}

const (
	publishBuffer      = 128
	subscriptionBuffer = 64
)

// Hub fans events out to subscribers using channels only.
// A single goroutine owns the subscriber map; all operations go through channels.
type Hub struct {
	subscribe   chan chan *Subscription
	unsubscribe chan *Subscription
	publish     chan Event
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewHub creates a hub. Call Run() in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		subscribe:   make(chan chan *Subscription),
		unsubscribe: make(chan *Subscription),
		publish:     make(chan Event, publishBuffer),
		stop:        make(chan struct{}),
	}
}

// Run is the hub's main loop. It blocks until Stop() is called.
func (h *Hub) Run() {
	subs := make(map[uint64]*Subscription)
	var nextID uint64

	for {
		select {
		case result := <-h.subscribe:
			nextID++
			s := &Subscription{ID: nextID, C: make(chan Event, subscriptionBuffer)}
			subs[s.ID] = s
			result <- s

		case s := <-h.unsubscribe:
			if _, ok := subs[s.ID]; ok {
				delete(subs, s.ID)
				close(s.C)
			}

		case ev := <-h.publish:
			for _, s := range subs {
				select {
				case s.C <- ev:
				default:
					// slow subscriber; drop rather than stall the manager
				}
			}

		case <-h.stop:
			for _, s := range subs {
				close(s.C)
			}
			return
		}
	}
}

// Stop shuts down the hub. Safe to call multiple times.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Subscribe registers a new subscriber. After Stop it returns a
// subscription whose channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	result := make(chan *Subscription, 1)
	select {
	case h.subscribe <- result:
		return <-result
	case <-h.stop:
		s := &Subscription{C: make(chan Event)}
		close(s.C)
		return s
	}
}

// Unsubscribe removes s and closes its channel.
func (h *Hub) Unsubscribe(s *Subscription) {
	select {
	case h.unsubscribe <- s:
	case <-h.stop:
	}
}

// Publish queues ev for delivery. It never blocks once the hub is stopped.
func (h *Hub) Publish(ev Event) {
	select {
	case h.publish <- ev:
	case <-h.stop:
	}
}
