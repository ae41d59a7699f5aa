// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rescache implements the content-addressed, reference-counted cache
// used for hardware resources shared between flows: header-rewrite programs,
// tunnel encapsulation headers and hairpin paths.
//
// An entry is programmed into hardware on first attach and released when its
// last owner detaches. Entries may be retained in an invalid state when the
// programmer reports that the resource cannot be completed yet; such entries
// are never released because nothing was programmed.
package rescache

import (
	"context"
	"sort"
	"sync"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/logging"
	"grimm.is/flyoffload/internal/offload"
)

// Key is a resource content key. Digest must be stable for equal keys.
type Key interface {
	comparable
	Digest() uint64
}

// Programmer allocates and frees the hardware backing of an entry.
//
// Program may return offload.ErrNotReady (wrapped) together with a partial
// value; the entry is then kept but marked invalid.
type Programmer[K Key, V any] interface {
	Program(ctx context.Context, key K) (V, error)
	Release(ctx context.Context, key K, val V) error
}

// Ref is one owner's reference to an entry.
type Ref[K Key] struct {
	Key   K
	Owner offload.FlowID
}

// Entry is a point-in-time view of a cache entry.
type Entry[K Key, V any] struct {
	Key    K
	Value  V
	Valid  bool
	Owners []offload.FlowID
}

type entry[K Key, V any] struct {
	key    K
	val    V
	valid  bool
	owners map[offload.FlowID]struct{}

	// creating is non-nil while the first attach programs hardware.
	creating chan struct{}
}

func (e *entry[K, V]) ownerList() []offload.FlowID {
	ids := make([]offload.FlowID, 0, len(e.owners))
	for id := range e.owners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Cache is a content-addressed resource cache.
type Cache[K Key, V any] struct {
	name   string
	prog   Programmer[K, V]
	logger *logging.Logger

	mu       sync.Mutex
	buckets  map[uint64][]*entry[K, V]
	count    int
	onRemove func(key K)
}

// New creates a cache named name (used in logs and metrics).
func New[K Key, V any](name string, prog Programmer[K, V], logger *logging.Logger) *Cache[K, V] {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Cache[K, V]{
		name:    name,
		prog:    prog,
		logger:  logger.WithComponent("rescache").With("cache", name),
		buckets: make(map[uint64][]*entry[K, V]),
	}
}

// Name returns the cache name.
func (c *Cache[K, V]) Name() string { return c.name }

// OnRemove registers fn to run whenever an entry leaves the cache, on its
// last detach or after a failed first program. fn runs with the cache lock
// held and must not call back into the cache. Register before first use.
func (c *Cache[K, V]) OnRemove(fn func(key K)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemove = fn
}

// find must be called with c.mu held.
func (c *Cache[K, V]) find(key K) *entry[K, V] {
	for _, e := range c.buckets[key.Digest()] {
		if e.key == key {
			return e
		}
	}
	return nil
}

// remove must be called with c.mu held.
func (c *Cache[K, V]) remove(e *entry[K, V]) {
	d := e.key.Digest()
	bucket := c.buckets[d]
	for i, cand := range bucket {
		if cand == e {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(c.buckets, d)
	} else {
		c.buckets[d] = bucket
	}
	c.count--
	if c.onRemove != nil {
		c.onRemove(e.key)
	}
}

// Attach adds owner to the entry for key, creating and programming it if it
// does not exist. When the entry exists but is not yet valid the reference is
// still taken and the returned error wraps offload.ErrNotReady.
func (c *Cache[K, V]) Attach(ctx context.Context, key K, owner offload.FlowID) (*Ref[K], V, error) {
	var zero V

	for {
		c.mu.Lock()
		e := c.find(key)
		if e != nil && e.creating != nil {
			wait := e.creating
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, zero, ctx.Err()
			}
		}

		if e != nil {
			e.owners[owner] = struct{}{}
			val, valid := e.val, e.valid
			c.mu.Unlock()

			ref := &Ref[K]{Key: key, Owner: owner}
			if !valid {
				return ref, val, errors.Wrapf(offload.ErrNotReady, errors.KindNotReady, "%s entry pending", c.name)
			}
			return ref, val, nil
		}

		e = &entry[K, V]{
			key:      key,
			owners:   make(map[offload.FlowID]struct{}),
			creating: make(chan struct{}),
		}
		c.buckets[key.Digest()] = append(c.buckets[key.Digest()], e)
		c.count++
		c.mu.Unlock()

		val, err := c.prog.Program(ctx, key)
		notReady := err != nil && offload.IsNotReady(err)

		c.mu.Lock()
		close(e.creating)
		e.creating = nil
		if err != nil && !notReady {
			c.remove(e)
			c.mu.Unlock()
			c.logger.Debug("resource programming failed", "error", err)
			return nil, zero, errors.Wrapf(err, errors.GetKind(err), "program %s entry", c.name)
		}
		e.val = val
		e.valid = !notReady
		e.owners[owner] = struct{}{}
		c.mu.Unlock()

		ref := &Ref[K]{Key: key, Owner: owner}
		if notReady {
			c.logger.Debug("resource deferred", "owner", owner)
			return ref, val, err
		}
		c.logger.Debug("resource programmed", "owner", owner)
		return ref, val, nil
	}
}

// Detach drops ref. When the last owner leaves the entry is removed and, if it
// was ever programmed, its hardware resource released.
func (c *Cache[K, V]) Detach(ctx context.Context, ref *Ref[K]) error {
	if ref == nil {
		return nil
	}

	c.mu.Lock()
	e := c.find(ref.Key)
	if e == nil || e.creating != nil {
		c.mu.Unlock()
		return errors.Wrapf(offload.ErrNotFound, errors.KindNotFound, "%s entry", c.name)
	}
	if _, ok := e.owners[ref.Owner]; !ok {
		c.mu.Unlock()
		return errors.Wrapf(offload.ErrNotFound, errors.KindNotFound, "%s owner %d", c.name, ref.Owner)
	}
	delete(e.owners, ref.Owner)
	if len(e.owners) > 0 {
		c.mu.Unlock()
		return nil
	}
	c.remove(e)
	val, valid := e.val, e.valid
	c.mu.Unlock()

	if !valid {
		return nil
	}
	if err := c.prog.Release(ctx, ref.Key, val); err != nil {
		c.logger.Warn("failed to release resource", "error", err)
		return errors.Wrapf(err, errors.KindInternal, "release %s entry", c.name)
	}
	return nil
}

// Lookup returns a snapshot of the entry for key.
func (c *Cache[K, V]) Lookup(key K) (Entry[K, V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.find(key)
	if e == nil || e.creating != nil {
		return Entry[K, V]{}, false
	}
	return Entry[K, V]{Key: e.key, Value: e.val, Valid: e.valid, Owners: e.ownerList()}, true
}

// Validate installs val as the programmed value of a pending entry and
// returns its owners. It fails with ErrExists if the entry is already valid,
// in which case the caller still owns val.
func (c *Cache[K, V]) Validate(ctx context.Context, key K, val V) ([]offload.FlowID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.find(key)
	if e == nil || e.creating != nil {
		return nil, errors.Wrapf(offload.ErrNotFound, errors.KindNotFound, "%s entry", c.name)
	}
	if e.valid {
		return nil, errors.Wrapf(offload.ErrExists, errors.KindConflict, "%s entry already valid", c.name)
	}
	e.val = val
	e.valid = true
	return e.ownerList(), nil
}

// Invalidate marks a valid entry pending again and returns its owners. The
// entry and its owners are kept. drain, if not nil, runs after the entry is
// marked and before its hardware resource is released, so owners can stop
// using the resource first; attaches during drain already see a pending
// entry.
func (c *Cache[K, V]) Invalidate(ctx context.Context, key K, drain func(owners []offload.FlowID)) ([]offload.FlowID, error) {
	var zero V

	c.mu.Lock()
	e := c.find(key)
	if e == nil || e.creating != nil {
		c.mu.Unlock()
		return nil, errors.Wrapf(offload.ErrNotFound, errors.KindNotFound, "%s entry", c.name)
	}
	owners := e.ownerList()
	if !e.valid {
		c.mu.Unlock()
		return owners, nil
	}
	e.valid = false
	val := e.val
	e.val = zero
	c.mu.Unlock()

	if drain != nil {
		drain(owners)
	}
	if err := c.prog.Release(ctx, key, val); err != nil {
		return owners, errors.Wrapf(err, errors.KindInternal, "release %s entry", c.name)
	}
	return owners, nil
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Keys returns the keys of all settled entries.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.count)
	for _, bucket := range c.buckets {
		for _, e := range bucket {
			if e.creating == nil {
				keys = append(keys, e.key)
			}
		}
	}
	return keys
}
