// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sort"
	"sync"
	"sync/atomic"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
)

// Store is the arena of live flows, indexed by handle and by cookie.
type Store struct {
	nextID atomic.Uint64

	mutex    sync.RWMutex
	flows    map[ID]*Flow
	byCookie map[offload.Cookie]ID
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		flows:    make(map[ID]*Flow),
		byCookie: make(map[offload.Cookie]ID),
	}
}

// NewID allocates a flow handle. Handles are never reused.
func (s *Store) NewID() ID {
	return ID(s.nextID.Add(1))
}

// Insert adds f under its cookie. If the cookie is already present the
// existing flow is returned with ErrExists and f is not stored.
func (s *Store) Insert(f *Flow) (*Flow, error) {
	if f.ID == 0 {
		f.ID = s.NewID()
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if id, ok := s.byCookie[f.Cookie]; ok {
		return s.flows[id], errors.Attr(errors.Wrapf(offload.ErrExists, errors.KindConflict,
			"cookie %s", f.Cookie), "cookie", f.Cookie)
	}
	s.flows[f.ID] = f
	s.byCookie[f.Cookie] = f.ID
	return f, nil
}

// Lookup returns the flow stored under cookie.
func (s *Store) Lookup(cookie offload.Cookie) (*Flow, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	id, ok := s.byCookie[cookie]
	if !ok {
		return nil, false
	}
	return s.flows[id], true
}

// Get returns the flow with handle id.
func (s *Store) Get(id ID) (*Flow, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	f, ok := s.flows[id]
	return f, ok
}

// Remove unlinks and returns the flow stored under cookie.
func (s *Store) Remove(cookie offload.Cookie) (*Flow, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	id, ok := s.byCookie[cookie]
	if !ok {
		return nil, false
	}
	f := s.flows[id]
	delete(s.byCookie, cookie)
	delete(s.flows, id)
	return f, true
}

// RemoveFlow unlinks f if it is still the flow stored under its cookie.
func (s *Store) RemoveFlow(f *Flow) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if id, ok := s.byCookie[f.Cookie]; !ok || id != f.ID {
		return false
	}
	delete(s.byCookie, f.Cookie)
	delete(s.flows, f.ID)
	return true
}

// Len returns the number of stored flows.
func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.flows)
}

// Range calls fn for a snapshot of the stored flows in handle order until
// fn returns false.
func (s *Store) Range(fn func(*Flow) bool) {
	for _, f := range s.snapshot() {
		if !fn(f) {
			return
		}
	}
}

// Drain removes and returns every stored flow in handle order.
func (s *Store) Drain() []*Flow {
	s.mutex.Lock()
	out := make([]*Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, f)
	}
	s.flows = make(map[ID]*Flow)
	s.byCookie = make(map[offload.Cookie]ID)
	s.mutex.Unlock()

	sortByID(out)
	return out
}

func (s *Store) snapshot() []*Flow {
	s.mutex.RLock()
	out := make([]*Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, f)
	}
	s.mutex.RUnlock()

	sortByID(out)
	return out
}

func sortByID(flows []*Flow) {
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
}
