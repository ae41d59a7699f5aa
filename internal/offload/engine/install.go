// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"context"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
	"grimm.is/flyoffload/internal/offload/flow"
	"grimm.is/flyoffload/internal/offload/hw"
	"grimm.is/flyoffload/internal/offload/rescache"
)

// undoStack runs recorded rollback steps in reverse acquisition order.
type undoStack []func()

func (u *undoStack) push(fn func()) { *u = append(*u, fn) }

func (u undoStack) run() {
	for i := len(u) - 1; i >= 0; i-- {
		u[i]()
	}
}

// installLocked attaches the resources of f and installs its rules. Steps
// already done by an earlier attempt are skipped. A pending resource leaves
// f in StatePending and returns an error wrapping offload.ErrNotReady; any
// other error undoes everything this call acquired. f must be locked.
func (e *Engine) installLocked(ctx context.Context, f *flow.Flow) (err error) {
	if f.State == flow.StateTornDown {
		return errors.Wrapf(offload.ErrTornDown, errors.KindConflict, "cookie %s", f.Cookie)
	}
	if f.Flags&flow.FlagOffloaded != 0 {
		return nil
	}

	var undo undoStack
	defer func() {
		if err != nil && !offload.IsNotReady(err) {
			undo.run()
		}
		e.updateCacheGauges()
	}()

	spec := &hw.RuleSpec{
		Domain: f.Domain(),
		Chain:  f.Chain,
		Prio:   f.Prio,
		Match:  f.Match,
		Action: f.Action,
	}

	var mirrors []offload.Port
	switch a := f.Attr.(type) {
	case *flow.SwitchAttr:
		if a.Tunnel != nil {
			if err := e.attachEncap(ctx, f, *a.Tunnel, &undo); err != nil {
				if offload.IsNotReady(err) {
					e.parkLocked(f)
				}
				return err
			}
			spec.Encap = f.HW.EncapID
		}
		spec.VLAN = a.VLAN
		mirrors = a.Dests[:a.MirrorCount]
		spec.Dests = a.Dests[a.MirrorCount:]

	case *flow.NICAttr:
		spec.FlowTag = a.FlowTag
		if a.HairpinPeer != 0 {
			if err := e.attachHairpin(ctx, f, a.HairpinPeer, &undo); err != nil {
				return err
			}
			hp := f.HW.HairpinVal
			spec.Hairpin = &hp
			f.Flags |= flow.FlagHairpin
		}
	}

	if len(f.Rewrite) > 0 {
		if err := e.attachModHdr(ctx, f, &undo); err != nil {
			return err
		}
		spec.ModHdr = f.HW.ModHdrID
	}

	primary, err := e.dev.AddRule(ctx, spec)
	if err != nil {
		return errors.Wrapf(err, errors.GetKind(err), "install rule for cookie %s", f.Cookie)
	}
	undo.push(func() { e.delRule(ctx, f, primary) })

	var mirror hw.RuleHandle
	if len(mirrors) > 0 {
		mirror, err = e.dev.AddRule(ctx, &hw.RuleSpec{
			Domain: spec.Domain,
			Chain:  spec.Chain,
			Prio:   spec.Prio,
			Match:  spec.Match,
			Action: offload.ActionForward,
			Dests:  mirrors,
			Split:  true,
		})
		if err != nil {
			return errors.Wrapf(err, errors.GetKind(err), "install mirror rule for cookie %s", f.Cookie)
		}
	}

	if f.State == flow.StatePending {
		e.metrics.FlowsPending.Dec()
	}
	f.HW.Rules = [2]hw.RuleHandle{primary, mirror}
	f.State = flow.StateInstalled
	f.Flags |= flow.FlagOffloaded
	e.metrics.FlowsInstalled.WithLabelValues(flowKind(f)).Inc()
	e.logger.Debug("flow installed", "cookie", f.Cookie, "action", f.Action, "handle", primary)
	return nil
}

func (e *Engine) attachEncap(ctx context.Context, f *flow.Flow, tun offload.TunnelInfo, undo *undoStack) error {
	if f.HW.Encap != nil {
		entry, ok := e.encaps.Lookup(f.HW.Encap.Key)
		if !ok || !entry.Valid {
			return errors.Wrapf(offload.ErrNotReady, errors.KindNotReady, "encap %s pending", f.HW.Encap.Key)
		}
		f.HW.EncapID = entry.Value.ID
		return nil
	}

	key, err := rescache.NewEncapKey(tun, e.config.isVXLANPort)
	if err != nil {
		return err
	}
	ref, val, err := e.encaps.Attach(ctx, key, f.ID)
	if err != nil && !offload.IsNotReady(err) {
		return err
	}
	f.HW.Encap = ref
	f.HW.EncapID = val.ID
	if err != nil {
		return err
	}
	undo.push(func() {
		e.detachEncap(ctx, f)
	})
	return nil
}

func (e *Engine) attachModHdr(ctx context.Context, f *flow.Flow, undo *undoStack) error {
	if f.HW.ModHdr != nil {
		return nil
	}
	key, err := rescache.NewModHdrKey(f.Domain(), f.Rewrite)
	if err != nil {
		return err
	}
	if limit := e.caps.MaxRewriteActions[f.Domain()]; limit > 0 && key.NumActions() > limit {
		return errors.Wrapf(offload.ErrRewriteLimit, errors.KindExhausted,
			"%d rewrite actions, limit %d", key.NumActions(), limit)
	}
	ref, id, err := e.modHdrs.Attach(ctx, key, f.ID)
	if err != nil {
		return err
	}
	f.HW.ModHdr = ref
	f.HW.ModHdrID = id
	undo.push(func() {
		if err := e.modHdrs.Detach(ctx, f.HW.ModHdr); err != nil {
			e.logger.Warn("failed to detach mod header", "cookie", f.Cookie, "error", err)
		}
		f.HW.ModHdr = nil
		f.HW.ModHdrID = 0
	})
	return nil
}

func (e *Engine) attachHairpin(ctx context.Context, f *flow.Flow, peer uint16, undo *undoStack) error {
	if f.HW.Hairpin != nil {
		return nil
	}
	prio, err := f.Match.VLANPriority()
	if err != nil {
		return err
	}
	ref, val, err := e.hairpins.Attach(ctx, rescache.HairpinKey{PeerID: peer, Prio: prio}, f.ID)
	if err != nil {
		return err
	}
	f.HW.Hairpin = ref
	f.HW.HairpinVal = val
	undo.push(func() {
		if err := e.hairpins.Detach(ctx, f.HW.Hairpin); err != nil {
			e.logger.Warn("failed to detach hairpin", "cookie", f.Cookie, "error", err)
		}
		f.HW.Hairpin = nil
		f.HW.HairpinVal = hw.Hairpin{}
		f.Flags &^= flow.FlagHairpin
	})
	return nil
}

func (e *Engine) detachEncap(ctx context.Context, f *flow.Flow) {
	ref := f.HW.Encap
	if ref == nil {
		return
	}
	if err := e.encaps.Detach(ctx, ref); err != nil {
		e.logger.Warn("failed to detach encap", "cookie", f.Cookie, "error", err)
	}
	f.HW.Encap = nil
	f.HW.EncapID = 0
}

func (e *Engine) delRule(ctx context.Context, f *flow.Flow, h hw.RuleHandle) {
	if h == 0 {
		return
	}
	if err := e.dev.DelRule(ctx, h); err != nil {
		e.logger.Warn("failed to remove rule", "cookie", f.Cookie, "handle", h, "error", err)
	}
}

// uninstallRulesLocked removes the rules of f but keeps its resources. The
// final rule counters are folded into f.HW.Base. f must be locked.
func (e *Engine) uninstallRulesLocked(ctx context.Context, f *flow.Flow) {
	if f.Flags&flow.FlagOffloaded == 0 {
		return
	}
	f.HW.Base = e.countersLocked(ctx, f)

	e.delRule(ctx, f, f.HW.Rules[1])
	e.delRule(ctx, f, f.HW.Rules[0])
	f.HW.Rules = [2]hw.RuleHandle{}
	f.Flags &^= flow.FlagOffloaded
	e.metrics.FlowsInstalled.WithLabelValues(flowKind(f)).Dec()
}

// releaseLocked removes the rules of f and detaches all its resources in
// reverse acquisition order. f must be locked.
func (e *Engine) releaseLocked(ctx context.Context, f *flow.Flow) {
	e.uninstallRulesLocked(ctx, f)

	if f.HW.ModHdr != nil {
		if err := e.modHdrs.Detach(ctx, f.HW.ModHdr); err != nil {
			e.logger.Warn("failed to detach mod header", "cookie", f.Cookie, "error", err)
		}
		f.HW.ModHdr = nil
		f.HW.ModHdrID = 0
	}
	if f.HW.Hairpin != nil {
		if err := e.hairpins.Detach(ctx, f.HW.Hairpin); err != nil {
			e.logger.Warn("failed to detach hairpin", "cookie", f.Cookie, "error", err)
		}
		f.HW.Hairpin = nil
		f.HW.HairpinVal = hw.Hairpin{}
	}
	e.detachEncap(ctx, f)
	e.updateCacheGauges()
}

// teardownLocked releases f and everything linked to it and marks it torn
// down. It is a no-op for a flow already torn down. f must be locked.
func (e *Engine) teardownLocked(ctx context.Context, f *flow.Flow) {
	if f.State == flow.StateTornDown {
		return
	}
	if f.State == flow.StatePending {
		e.metrics.FlowsPending.Dec()
	}
	e.releaseLocked(ctx, f)
	f.State = flow.StateTornDown
	e.store.RemoveFlow(f)

	if f.Flags&flow.FlagConsolidated != 0 {
		e.unlinkConsolidatedLocked(ctx, f)
	}
}

// teardown tears f down and, for a merge template, every consolidated flow
// derived from it.
func (e *Engine) teardown(ctx context.Context, f *flow.Flow, reason string) {
	f.Lock()
	e.teardownLocked(ctx, f)
	f.Unlock()

	e.logger.Debug("flow torn down", "cookie", f.Cookie, "reason", reason)

	for _, mfID := range f.Derived() {
		if cf := e.consolidatedFlow(mfID); cf != nil {
			e.teardown(ctx, cf, "template removed")
		} else {
			e.cancelMicroflow(mfID)
		}
		f.RemoveDerived(mfID)
	}
}

// parkLocked moves f to StatePending. f must be locked.
func (e *Engine) parkLocked(f *flow.Flow) {
	if f.State == flow.StatePending {
		return
	}
	f.State = flow.StatePending
	e.metrics.FlowsPending.Inc()
}

func flowKind(f *flow.Flow) string {
	switch {
	case f.Flags&flow.FlagConsolidated != 0:
		return "consolidated"
	case f.Domain() == offload.DomainNIC:
		return "nic"
	default:
		return "simple"
	}
}
