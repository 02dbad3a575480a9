// Package registry holds the membership table of live gateway connections.
//
// The registry only tracks membership. It never performs I/O and never holds
// its lock while a caller does; senders work on the values returned by Lookup
// or Snapshot.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// maxIDAttempts bounds the verify-and-retry loop in Register.
const maxIDAttempts = 8

var (
	// ErrFull is returned by Register when the connection cap is reached.
	ErrFull = errors.New("registry full")
	// ErrIDExhausted is returned when no unused identifier could be generated.
	ErrIDExhausted = errors.New("could not allocate a unique connection id")
)

// Member is a value stored in the registry. Bind is called exactly once, under
// the registry lock, before the member becomes visible to Lookup or Snapshot.
type Member interface {
	Bind(id string)
}

// Entry is one row of a Snapshot.
type Entry[M Member] struct {
	ID   string
	Conn M
}

// Registry maps connection ids to members. It is safe for concurrent use.
type Registry[M Member] struct {
	mu      sync.RWMutex
	members map[string]M
	max     int // 0 = unbounded
	newID   func() (string, error)
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	max   int
	newID func() (string, error)
}

// WithMaxConnections caps the number of live members. Zero means unbounded.
func WithMaxConnections(n int) Option {
	return func(o *options) { o.max = n }
}

// WithIDGenerator replaces the random UUID generator. Used by tests to force
// collisions.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(o *options) { o.newID = fn }
}

// New creates an empty registry.
func New[M Member](opts ...Option) *Registry[M] {
	o := options{newID: randomID}
	for _, opt := range opts {
		opt(&o)
	}
	if o.max < 0 {
		o.max = 0
	}
	return &Registry[M]{
		members: make(map[string]M),
		max:     o.max,
		newID:   o.newID,
	}
}

func randomID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Register assigns a fresh identifier to m, inserts it and returns the id.
func (r *Registry[M]) Register(m M) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.members) >= r.max {
		return "", ErrFull
	}

	for i := 0; i < maxIDAttempts; i++ {
		id, err := r.newID()
		if err != nil {
			return "", fmt.Errorf("generate connection id: %w", err)
		}
		if _, taken := r.members[id]; taken {
			continue
		}
		m.Bind(id)
		r.members[id] = m
		return id, nil
	}
	return "", ErrIDExhausted
}

// Remove deletes id. Removing an unknown id is a no-op; the return value
// reports whether an entry was actually removed.
func (r *Registry[M]) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	return true
}

// Lookup returns the member registered under id.
func (r *Registry[M]) Lookup(id string) (M, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	return m, ok
}

// Snapshot returns a point-in-time copy of all entries.
func (r *Registry[M]) Snapshot() []Entry[M] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry[M], 0, len(r.members))
	for id, m := range r.members {
		entries = append(entries, Entry[M]{ID: id, Conn: m})
	}
	return entries
}

// Len returns the number of live members.
func (r *Registry[M]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Cap returns the configured connection cap (0 = unbounded).
func (r *Registry[M]) Cap() int {
	return r.max
}
