// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ct connects the offload engine to the connection-tracking
// subsystem: it marks offloaded connections, reads their statistics and
// delivers teardown notifications.
package ct

import (
	"context"
	"sync"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
)

// OffloadMark is the connection mark bit set on offloaded connections.
const OffloadMark uint32 = 1 << 30

// Tracker is the connection-tracking side of an offloaded connection.
type Tracker interface {
	// Register notes that ct is offloaded under cookie.
	Register(ctx context.Context, ct offload.CTTuple, cookie offload.Cookie) error
	// Unregister clears the offload note. Unknown connections are ignored.
	Unregister(ctx context.Context, ct offload.CTTuple) error
	// Stats returns the connection's own counters.
	Stats(ctx context.Context, ct offload.CTTuple) (offload.Counters, error)
}

// DestroyFunc receives connections removed from the tracking table.
type DestroyFunc func(ct offload.CTTuple)

// MemoryTracker keeps registrations in memory. It backs tests and the
// simulated daemon mode.
type MemoryTracker struct {
	mutex   sync.Mutex
	conns   map[offload.CTTuple]offload.Cookie
	stats   map[offload.CTTuple]offload.Counters
	failing error
}

// NewMemoryTracker creates an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		conns: make(map[offload.CTTuple]offload.Cookie),
		stats: make(map[offload.CTTuple]offload.Counters),
	}
}

// FailRegister makes every Register call fail with err until reset with nil.
func (t *MemoryTracker) FailRegister(err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.failing = err
}

// SetStats sets the counters reported for ct.
func (t *MemoryTracker) SetStats(ct offload.CTTuple, c offload.Counters) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.stats[ct] = c
}

// Offloaded returns the cookie ct is registered under.
func (t *MemoryTracker) Offloaded(ct offload.CTTuple) (offload.Cookie, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	c, ok := t.conns[ct]
	return c, ok
}

// Len returns the number of registered connections.
func (t *MemoryTracker) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.conns)
}

func (t *MemoryTracker) Register(ctx context.Context, ct offload.CTTuple, cookie offload.Cookie) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.failing != nil {
		return t.failing
	}
	t.conns[ct] = cookie
	return nil
}

func (t *MemoryTracker) Unregister(ctx context.Context, ct offload.CTTuple) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.conns, ct)
	return nil
}

func (t *MemoryTracker) Stats(ctx context.Context, ct offload.CTTuple) (offload.Counters, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	c, ok := t.stats[ct]
	if !ok {
		return offload.Counters{}, errors.Wrapf(offload.ErrNotFound, errors.KindNotFound, "connection %s", ct.Tuple)
	}
	return c, nil
}

var _ Tracker = (*MemoryTracker)(nil)
