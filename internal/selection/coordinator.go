// Package selection keeps the list view and the map view of a tracking
// session agreeing on which vehicle is selected.
package selection

import (
	"fmt"
	"sync"
)

// Source identifies where a selection request came from
type Source int

const (
	SourceSystem Source = iota
	SourceList
	SourceMap
)

func (s Source) String() string {
	switch s {
	case SourceList:
		return "list"
	case SourceMap:
		return "map"
	default:
		return "system"
	}
}

// ParseSource maps the wire name of a view to its Source
func ParseSource(name string) (Source, error) {
	switch name {
	case "list":
		return SourceList, nil
	case "map":
		return SourceMap, nil
	case "system", "":
		return SourceSystem, nil
	default:
		return SourceSystem, fmt.Errorf("unknown selection source %q", name)
	}
}

// Event describes one change of the selected entity. A nil Previous or
// Current means nothing was or is selected.
type Event[K comparable] struct {
	Previous *K
	Current  *K
	Source   Source
}

// Observer receives selection changes
type Observer[K comparable] func(Event[K])

type subscription[K comparable] struct {
	id int
	fn Observer[K]
}

// request is a queued mutation. apply runs under the lock and returns the
// resulting event, if any.
type request[K comparable] func() (Event[K], bool)

// Coordinator owns the canonical selection of one session.
//
// Observers run outside the lock, in subscription order. A Select issued
// while observers are being notified is queued and applied once the current
// event has reached every observer, so a view echoing the value it was just
// told about produces no event.
type Coordinator[K comparable] struct {
	mu          sync.Mutex
	entities    map[K]struct{}
	selected    *K
	observers   []subscription[K]
	nextID      int
	queue       []request[K]
	dispatching bool
}

// NewCoordinator creates a coordinator with nothing selected
func NewCoordinator[K comparable](ids ...K) *Coordinator[K] {
	c := &Coordinator[K]{entities: make(map[K]struct{}, len(ids))}
	for _, id := range ids {
		c.entities[id] = struct{}{}
	}
	return c
}

// Subscribe registers fn and returns a function removing it
func (c *Coordinator[K]) Subscribe(fn Observer[K]) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.observers = append(c.observers, subscription[K]{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.observers {
			if sub.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// Selected returns the selected id
func (c *Coordinator[K]) Selected() (K, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		var zero K
		return zero, false
	}
	return *c.selected, true
}

// Known reports whether id is in the current entity set
func (c *Coordinator[K]) Known(id K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entities[id]
	return ok
}

// SetEntities replaces the set of selectable ids. A selection that no longer
// resolves is cleared with SourceSystem.
func (c *Coordinator[K]) SetEntities(ids []K) {
	c.submit(func() (Event[K], bool) {
		c.entities = make(map[K]struct{}, len(ids))
		for _, id := range ids {
			c.entities[id] = struct{}{}
		}
		if c.selected == nil {
			return Event[K]{}, false
		}
		if _, ok := c.entities[*c.selected]; ok {
			return Event[K]{}, false
		}
		return c.switchLocked(nil, SourceSystem)
	})
}

// Select normalizes id into the canonical selection. An id outside the
// entity set counts as nil. Selecting the current value is a no-op.
func (c *Coordinator[K]) Select(source Source, id *K) {
	var want *K
	if id != nil {
		v := *id
		want = &v
	}

	c.submit(func() (Event[K], bool) {
		if want != nil {
			if _, ok := c.entities[*want]; !ok {
				want = nil
			}
		}
		return c.switchLocked(want, source)
	})
}

// SelectID is Select for a concrete id
func (c *Coordinator[K]) SelectID(source Source, id K) {
	c.Select(source, &id)
}

// Deselect clears the selection
func (c *Coordinator[K]) Deselect(source Source) {
	c.Select(source, nil)
}

func (c *Coordinator[K]) switchLocked(next *K, source Source) (Event[K], bool) {
	if equal(c.selected, next) {
		return Event[K]{}, false
	}
	ev := Event[K]{Previous: c.selected, Current: next, Source: source}
	c.selected = next
	return ev, true
}

// submit queues req and, unless another call is already dispatching, drains
// the queue notifying observers of each change.
func (c *Coordinator[K]) submit(req request[K]) {
	c.mu.Lock()
	c.queue = append(c.queue, req)
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true

	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]

		ev, changed := next()
		if !changed {
			continue
		}
		observers := make([]subscription[K], len(c.observers))
		copy(observers, c.observers)

		c.mu.Unlock()
		for _, sub := range observers {
			sub.fn(copyEvent(ev))
		}
		c.mu.Lock()
	}

	c.dispatching = false
	c.mu.Unlock()
}

func equal[K comparable](a, b *K) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func copyEvent[K comparable](ev Event[K]) Event[K] {
	out := Event[K]{Source: ev.Source}
	if ev.Previous != nil {
		v := *ev.Previous
		out.Previous = &v
	}
	if ev.Current != nil {
		v := *ev.Current
		out.Current = &v
	}
	return out
}
