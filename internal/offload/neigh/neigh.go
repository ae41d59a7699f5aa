// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package neigh resolves tunnel destinations to next-hop link-layer
// addresses and reports neighbor reachability changes.
package neigh

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
)

// Neighbor is a resolved (or resolving) next hop toward a destination.
type Neighbor struct {
	// NextHop is the address whose link-layer address is needed. It is set
	// even when resolution is still pending.
	NextHop netip.Addr
	// Src is the preferred source address of the route.
	Src             netip.Addr
	Device          string
	HardwareAddr    net.HardwareAddr
	SrcHardwareAddr net.HardwareAddr
	TTL             uint8
}

// Event is a reachability change of a next hop.
type Event struct {
	IP        netip.Addr
	Reachable bool
}

// Resolver resolves tunnel destinations.
type Resolver interface {
	// Resolve returns the next hop toward dst. When the link-layer address
	// is not known yet it returns the partial Neighbor and an error
	// wrapping offload.ErrNotReady.
	Resolve(ctx context.Context, dst netip.Addr) (Neighbor, error)
	// Probe asks the neighbor subsystem to confirm ip is still alive.
	Probe(ctx context.Context, ip netip.Addr) error
}

// Watcher delivers reachability events until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, fn func(Event)) error
}

// StaticResolver resolves from an in-memory table. It backs tests and the
// simulated daemon mode.
type StaticResolver struct {
	mutex   sync.Mutex
	entries map[netip.Addr]Neighbor
	probes  map[netip.Addr]int
	subs    []chan Event
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		entries: make(map[netip.Addr]Neighbor),
		probes:  make(map[netip.Addr]int),
	}
}

// Set makes dst resolvable and notifies watchers.
func (r *StaticResolver) Set(dst netip.Addr, n Neighbor) {
	if !n.NextHop.IsValid() {
		n.NextHop = dst
	}
	r.mutex.Lock()
	r.entries[dst] = n
	subs := append([]chan Event(nil), r.subs...)
	r.mutex.Unlock()

	for _, ch := range subs {
		ch <- Event{IP: n.NextHop, Reachable: true}
	}
}

// Delete makes dst unresolvable and notifies watchers.
func (r *StaticResolver) Delete(dst netip.Addr) {
	r.mutex.Lock()
	n, ok := r.entries[dst]
	delete(r.entries, dst)
	subs := append([]chan Event(nil), r.subs...)
	r.mutex.Unlock()

	if !ok {
		return
	}
	for _, ch := range subs {
		ch <- Event{IP: n.NextHop, Reachable: false}
	}
}

// Probes returns how many probes were sent to ip.
func (r *StaticResolver) Probes(ip netip.Addr) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.probes[ip]
}

func (r *StaticResolver) Resolve(ctx context.Context, dst netip.Addr) (Neighbor, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	n, ok := r.entries[dst]
	if !ok {
		return Neighbor{NextHop: dst}, errors.Wrapf(offload.ErrNotReady, errors.KindNotReady, "neighbor %s", dst)
	}
	return n, nil
}

func (r *StaticResolver) Probe(ctx context.Context, ip netip.Addr) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.probes[ip]++
	return nil
}

// Watch delivers Set and Delete events to fn until ctx is done.
func (r *StaticResolver) Watch(ctx context.Context, fn func(Event)) error {
	ch := make(chan Event, 16)
	r.mutex.Lock()
	r.subs = append(r.subs, ch)
	r.mutex.Unlock()

	defer func() {
		r.mutex.Lock()
		for i, c := range r.subs {
			if c == ch {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				break
			}
		}
		r.mutex.Unlock()
	}()

	for {
		select {
		case ev := <-ch:
			fn(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

var (
	_ Resolver = (*StaticResolver)(nil)
	_ Watcher  = (*StaticResolver)(nil)
)
