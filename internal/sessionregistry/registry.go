// Package sessionregistry is the cluster's arena+index table of
// sessions (KV or HTTP), owned by the facade rather than shared via
// reference-counted handles. Operations reference a session by id and
// revalidate on resume; continuations capture id + generation so a
// session that was replaced or closed underneath them drops silently
// instead of resurrecting a stale handle.
package sessionregistry

import (
	"fmt"
	"sync"
)

// ID identifies a slot in the registry. It is stable for the lifetime
// of the session occupying the slot; once the slot is released the id
// may be reused by a later session with a different Generation.
type ID uint64

// Entry is anything the registry can hold: a KV session, an HTTP
// session, or a test double. Close is called at most once, when the
// entry's slot is released.
type Entry interface {
	Close() error
}

type slot struct {
	generation uint64
	entry      Entry
}

// Registry is a mutex-guarded arena of entries keyed by ID, with a
// generation counter per slot so stale references are detected rather
// than silently reused.
//
// Example usage:
//
//	reg := sessionregistry.New()
//	id, gen := reg.Register(session)
//	...
//	if s, ok := reg.Lookup(id, gen); ok {
//	    s.(*memd.Session).Dispatch(req, cb)
//	}
//	...
//	reg.Release(id, gen)
type Registry struct {
	mu      sync.RWMutex
	slots   map[ID]slot
	nextID  ID
	genSeed uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		slots: make(map[ID]slot),
	}
}

// Register inserts an entry and returns its id and generation.
func (r *Registry) Register(e Entry) (ID, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.genSeed++
	gen := r.genSeed

	r.slots[id] = slot{generation: gen, entry: e}
	return id, gen
}

// Lookup returns the entry for id if it is still occupied by the
// given generation. A mismatched or missing generation means the
// original session is gone; callers must treat this as "drop silently",
// not as an error worth propagating to the user.
func (r *Registry) Lookup(id ID, generation uint64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.slots[id]
	if !ok || s.generation != generation {
		return nil, false
	}
	return s.entry, true
}

// Release closes and removes the entry for id if it still matches
// generation. Returns an error only if Close itself failed; releasing
// an already-stale (id, generation) pair is a silent no-op.
func (r *Registry) Release(id ID, generation uint64) error {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok || s.generation != generation {
		r.mu.Unlock()
		return nil
	}
	delete(r.slots, id)
	r.mu.Unlock()

	if s.entry == nil {
		return nil
	}
	if err := s.entry.Close(); err != nil {
		return fmt.Errorf("sessionregistry: closing entry %d/%d: %w", id, generation, err)
	}
	return nil
}

// Len returns the number of live entries. Intended for diagnostics
// and tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// CloseAll releases every entry currently registered, collecting and
// joining any Close errors. Used at cluster shutdown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	slots := r.slots
	r.slots = make(map[ID]slot)
	r.mu.Unlock()

	var errs []error
	for id, s := range slots {
		if s.entry == nil {
			continue
		}
		if err := s.entry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sessionregistry: closing entry %d/%d: %w", id, s.generation, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("sessionregistry: %d entries failed to close: %w", len(errs), errs[0])
}
