// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"context"
	"time"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
	"grimm.is/flyoffload/internal/offload/flow"
	"grimm.is/flyoffload/internal/offload/neigh"
	"grimm.is/flyoffload/internal/offload/rescache"
)

// OnNeighborUpdate reacts to a reachability change of a next hop by
// scheduling reconciliation of every encap entry that depends on it.
func (e *Engine) OnNeighborUpdate(ev neigh.Event) {
	keys := e.encapKeysFor(ev.IP)
	if len(keys) == 0 {
		return
	}
	kind := JobNeighborLost
	if ev.Reachable {
		kind = JobResolve
	}
	e.logger.Debug("neighbor update", "ip", ev.IP, "reachable", ev.Reachable, "entries", len(keys))
	for _, k := range keys {
		e.schedule(Job{Kind: kind, Key: k})
	}
}

// OnResourceResolved programs the pending encap entry for key and retries
// installation of every flow waiting on it. A valid entry whose neighbor now
// resolves to a different link-layer address is first taken down as if the
// neighbor were lost, then reprogrammed with the new header. Nothing happens
// if the entry is gone, unchanged, or its neighbor is still unresolved.
func (e *Engine) OnResourceResolved(ctx context.Context, key rescache.EncapKey) error {
	entry, ok := e.encaps.Lookup(key)
	if !ok {
		return nil
	}
	if entry.Valid {
		n, err := e.resolver.Resolve(ctx, key.Dst)
		if err != nil || !entry.Value.stale(n) {
			return nil
		}
		e.metrics.NeighborEvents.WithLabelValues("changed").Inc()
		e.logger.Info("encap neighbor changed", "key", key,
			"old_mac", entry.Value.DstMAC, "new_mac", n.HardwareAddr)
		if err := e.handleNeighborLost(ctx, key); err != nil {
			return err
		}
	}

	val, err := encapProgrammer{e}.Program(ctx, key)
	if err != nil {
		if offload.IsNotReady(err) {
			return nil
		}
		return errors.Wrapf(err, errors.GetKind(err), "program encap %s", key)
	}

	owners, err := e.encaps.Validate(ctx, key, val)
	if err != nil {
		// Validated concurrently or released meanwhile; this value is unused.
		if ferr := e.dev.FreeEncap(ctx, val.ID); ferr != nil {
			e.logger.Warn("failed to free unused encap", "key", key, "error", ferr)
		}
		if errors.Is(err, offload.ErrExists) || errors.Is(err, offload.ErrNotFound) {
			return nil
		}
		return err
	}

	e.metrics.NeighborEvents.WithLabelValues("resolved").Inc()
	e.logger.Info("encap resolved", "key", key, "next_hop", val.NextHop, "flows", len(owners))
	for _, id := range owners {
		e.schedule(Job{Kind: JobInstall, ID: uint64(id)})
	}
	return nil
}

// handleInstall retries installation of a pending flow. A new hard failure
// tears the flow down.
func (e *Engine) handleInstall(ctx context.Context, id flow.ID) error {
	f, ok := e.store.Get(id)
	if !ok {
		return nil
	}

	f.Lock()
	defer f.Unlock()
	if f.State != flow.StatePending {
		return nil
	}

	err := e.installLocked(ctx, f)
	switch {
	case err == nil:
		if t, ok := e.tupleOf(f); ok {
			e.publish(f, t, false)
		}
		e.logger.Debug("pending flow installed", "cookie", f.Cookie)
		return nil
	case offload.IsNotReady(err):
		return nil
	}
	e.logger.Warn("pending flow failed to install", "cookie", f.Cookie, "error", err)
	e.teardownLocked(ctx, f)
	return nil
}

// handleNeighborLost removes the rules of every flow using the encap entry
// for key, parks them pending, then releases the encap hardware.
func (e *Engine) handleNeighborLost(ctx context.Context, key rescache.EncapKey) error {
	_, err := e.encaps.Invalidate(ctx, key, func(owners []offload.FlowID) {
		for _, id := range owners {
			f, ok := e.store.Get(id)
			if !ok {
				continue
			}
			f.Lock()
			if f.State == flow.StateInstalled {
				e.uninstallRulesLocked(ctx, f)
				e.parkLocked(f)
				if t, ok := e.tupleOf(f); ok {
					e.publish(f, t, true)
				}
			}
			f.Unlock()
		}
	})
	if errors.Is(err, offload.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	e.nhMutex.Lock()
	delete(e.lastUse, key)
	e.nhMutex.Unlock()

	e.metrics.NeighborEvents.WithLabelValues("lost").Inc()
	e.logger.Info("encap neighbor lost", "key", key)
	return nil
}

// OnConnectionDestroyed tears down the consolidated flow of a connection
// removed by the connection tracker. A merge still in flight is abandoned.
func (e *Engine) OnConnectionDestroyed(conn offload.CTTuple) {
	e.mfMutex.Lock()
	id, ok := e.byTuple[conn.Tuple]
	if ok {
		e.microflows[id].cancelled = true
	}
	e.mfMutex.Unlock()

	if ok {
		e.schedule(Job{Kind: JobTeardown, ID: id})
	}
}

func (e *Engine) handleTeardown(ctx context.Context, id uint64) error {
	if cf := e.consolidatedFlow(id); cf != nil {
		e.teardown(ctx, cf, "connection closed")
	}
	return nil
}

// cleanupRoutine runs the periodic neighbor keep-alive and pending ageing.
func (e *Engine) cleanupRoutine() {
	ticker := time.NewTicker(e.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.checkNeighbors(e.ctx)
			e.agePending(e.ctx)
		case <-e.stopCh:
			return
		}
	}
}

// checkNeighbors probes the next hop of every valid encap entry whose flows
// passed traffic since the last check, keeping the neighbor entry alive.
func (e *Engine) checkNeighbors(ctx context.Context) {
	for _, key := range e.encaps.Keys() {
		entry, ok := e.encaps.Lookup(key)
		if !ok || !entry.Valid {
			continue
		}

		var used time.Time
		for _, id := range entry.Owners {
			f, ok := e.store.Get(id)
			if !ok {
				continue
			}
			if c := e.flowCounters(ctx, f); c.LastUsed.After(used) {
				used = c.LastUsed
			}
		}

		e.nhMutex.Lock()
		fresh := used.After(e.lastUse[key])
		if fresh {
			e.lastUse[key] = used
		}
		e.nhMutex.Unlock()
		if !fresh {
			continue
		}

		if err := e.resolver.Probe(ctx, entry.Value.NextHop); err != nil {
			e.logger.Debug("neighbor probe failed", "next_hop", entry.Value.NextHop, "error", err)
			continue
		}
		e.metrics.NeighborEvents.WithLabelValues("probe").Inc()
	}
}

// agePending tears down consolidated flows pending longer than
// PendingTimeout.
func (e *Engine) agePending(ctx context.Context) {
	if e.config.PendingTimeout <= 0 {
		return
	}
	var expired []*flow.Flow
	e.store.Range(func(f *flow.Flow) bool {
		state, flags := f.Status()
		if flags&flow.FlagConsolidated != 0 && state == flow.StatePending &&
			time.Since(f.Created) > e.config.PendingTimeout {
			expired = append(expired, f)
		}
		return true
	})
	for _, f := range expired {
		e.teardown(ctx, f, "pending timeout")
	}
	if len(expired) > 0 {
		e.logger.Info("aged out pending flows", "count", len(expired))
	}
}
