// Package registry holds the live client connections of the event loop in a
// fixed-capacity slot arena.
//
// The registry is not safe for concurrent use. It has exactly one mutator,
// the event loop goroutine.
package registry

import (
	"errors"
	"time"
)

// DefaultCapacity is the maximum number of simultaneous client connections.
const DefaultCapacity = 100

// ErrCapacityExceeded is returned by Add when every slot is taken.
var ErrCapacityExceeded = errors.New("connection registry is full")

// Conn is one accepted client connection.
type Conn struct {
	FD         int
	ID         string
	RemoteAddr string
	Accepted   time.Time

	// Inbound holds bytes of a frame that has not been completed yet.
	Inbound []byte
	// Outbound holds reply bytes the socket has not accepted yet.
	Outbound []byte
}

// WantsWrite reports whether the connection has queued output.
func (c *Conn) WantsWrite() bool {
	return len(c.Outbound) > 0
}

// Registry is an ordered set of connection slots. Slot order is not stable:
// Remove moves the last entry into the freed slot.
type Registry struct {
	slots []*Conn
}

// New creates a registry holding at most capacity connections. A
// non-positive capacity means DefaultCapacity.
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{slots: make([]*Conn, 0, capacity)}
}

// Add stores c in the next free slot and returns the slot index.
func (r *Registry) Add(c *Conn) (int, error) {
	if r.Full() {
		return -1, ErrCapacityExceeded
	}
	r.slots = append(r.slots, c)
	return len(r.slots) - 1, nil
}

// Remove frees slot and returns the connection that occupied it. The last
// occupied slot is moved into its place, so a caller iterating by index must
// examine the same index again.
func (r *Registry) Remove(slot int) *Conn {
	c := r.slots[slot]
	last := len(r.slots) - 1
	r.slots[slot] = r.slots[last]
	r.slots[last] = nil
	r.slots = r.slots[:last]
	return c
}

// At returns the connection in slot.
func (r *Registry) At(slot int) *Conn {
	return r.slots[slot]
}

// Len returns the number of occupied slots.
func (r *Registry) Len() int {
	return len(r.slots)
}

// Cap returns the slot capacity.
func (r *Registry) Cap() int {
	return cap(r.slots)
}

// Full reports whether Add would fail.
func (r *Registry) Full() bool {
	return len(r.slots) == cap(r.slots)
}

// Each calls fn for every occupied slot in slot order. fn must not add or
// remove connections.
func (r *Registry) Each(fn func(slot int, c *Conn)) {
	for i, c := range r.slots {
		fn(i, c)
	}
}

// Drain empties the registry and returns the connections it held.
func (r *Registry) Drain() []*Conn {
	out := make([]*Conn, len(r.slots))
	copy(out, r.slots)
	clear(r.slots)
	r.slots = r.slots[:0]
	return out
}
