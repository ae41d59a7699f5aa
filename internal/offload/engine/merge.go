// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"context"
	"time"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
	"grimm.is/flyoffload/internal/offload/flow"
	"grimm.is/flyoffload/internal/offload/match"
	"grimm.is/flyoffload/internal/offload/microflow"
)

// pathKey identifies an in-flight or merged microflow.
type pathKey struct {
	path  microflow.Path
	tuple offload.Tuple
}

// mfState tracks one microflow from submission until its consolidated
// flow is torn down. Fields are guarded by Engine.mfMutex.
type mfState struct {
	id  uint64
	key pathKey
	mf  *microflow.Microflow

	flow      *flow.Flow
	templates []*flow.Flow
	// registered is set once the connection tracker knows the connection.
	registered bool
	cancelled  bool
}

// submitMicroflow indexes mf and schedules its merge. A microflow whose
// path or tuple is already known is rejected with ErrExists. A closed engine
// accepts nothing.
func (e *Engine) submitMicroflow(mf *microflow.Microflow) (uint64, error) {
	key := pathKey{path: mf.Path(), tuple: mf.Tuple}

	e.mfMutex.Lock()
	if e.closed.Load() {
		e.mfMutex.Unlock()
		return 0, errors.New(errors.KindUnavailable, "engine is closed")
	}
	if _, ok := e.byPath[key]; ok {
		e.mfMutex.Unlock()
		return 0, errors.Wrapf(offload.ErrExists, errors.KindConflict, "microflow %s", mf.Tuple)
	}
	if _, ok := e.byTuple[mf.Tuple]; ok {
		e.mfMutex.Unlock()
		return 0, errors.Wrapf(offload.ErrExists, errors.KindConflict, "connection %s", mf.Tuple)
	}
	e.nextMF++
	st := &mfState{id: e.nextMF, key: key, mf: mf}
	e.microflows[st.id] = st
	e.byPath[key] = st.id
	e.byTuple[mf.Tuple] = st.id
	e.mfMutex.Unlock()

	e.schedule(Job{Kind: JobMerge, ID: st.id})
	return st.id, nil
}

// forgetLocked drops st from every index. e.mfMutex must be held.
func (e *Engine) forgetLocked(st *mfState) {
	delete(e.microflows, st.id)
	if e.byPath[st.key] == st.id {
		delete(e.byPath, st.key)
	}
	if e.byTuple[st.key.tuple] == st.id {
		delete(e.byTuple, st.key.tuple)
	}
	if st.flow != nil && e.byFlow[st.flow.ID] == st.id {
		delete(e.byFlow, st.flow.ID)
	}
}

func (e *Engine) forgetMicroflow(id uint64) {
	e.mfMutex.Lock()
	defer e.mfMutex.Unlock()
	if st, ok := e.microflows[id]; ok {
		e.forgetLocked(st)
	}
}

// cancelMicroflow marks a microflow whose merge has not produced a flow
// yet, so the merge is abandoned.
func (e *Engine) cancelMicroflow(id uint64) {
	e.mfMutex.Lock()
	defer e.mfMutex.Unlock()
	if st, ok := e.microflows[id]; ok {
		st.cancelled = true
	}
}

func (e *Engine) consolidatedFlow(id uint64) *flow.Flow {
	e.mfMutex.Lock()
	defer e.mfMutex.Unlock()
	if st, ok := e.microflows[id]; ok {
		return st.flow
	}
	return nil
}

// NumMicroflows returns the number of in-flight and merged microflows.
func (e *Engine) NumMicroflows() int {
	e.mfMutex.Lock()
	defer e.mfMutex.Unlock()
	return len(e.microflows)
}

// handleMerge builds, installs and links the consolidated flow of
// microflow id. Merge failures are final and fully rolled back; they are
// not returned for retry.
func (e *Engine) handleMerge(ctx context.Context, id uint64) error {
	start := time.Now()
	defer func() { e.metrics.MergeDuration.Observe(time.Since(start).Seconds()) }()

	e.mfMutex.Lock()
	st, ok := e.microflows[id]
	if !ok || st.cancelled {
		if ok {
			e.forgetLocked(st)
		}
		e.mfMutex.Unlock()
		e.metrics.Merges.WithLabelValues("cancelled").Inc()
		return nil
	}
	mf := st.mf
	e.mfMutex.Unlock()

	cf, frags, templates, err := e.build(mf)
	if err != nil {
		e.mergeFailed(st, err)
		return nil
	}
	if _, err := e.store.Insert(cf); err != nil {
		e.mergeFailed(st, err)
		return nil
	}

	e.mfMutex.Lock()
	if st.cancelled {
		e.forgetLocked(st)
		e.mfMutex.Unlock()
		e.store.RemoveFlow(cf)
		e.metrics.Merges.WithLabelValues("cancelled").Inc()
		return nil
	}
	st.flow = cf
	st.templates = templates
	e.byFlow[cf.ID] = id
	e.mfMutex.Unlock()

	cf.Lock()
	defer cf.Unlock()

	err = e.installLocked(ctx, cf)
	pending := offload.IsNotReady(err)
	if err == nil || pending {
		err = e.linkLocked(ctx, st, cf, frags, templates)
	}
	if err != nil {
		e.teardownLocked(ctx, cf)
		e.mergeFailed(st, err)
		return nil
	}

	e.publish(cf, mf.Tuple, pending)
	result := "installed"
	if pending {
		result = "pending"
	}
	e.metrics.Merges.WithLabelValues(result).Inc()
	e.logger.Debug("microflow merged",
		"tuple", mf.Tuple,
		"cookie", cf.Cookie,
		"fragments", len(frags),
		"action", cf.Action,
		"state", cf.State)
	return nil
}

func (e *Engine) mergeFailed(st *mfState, err error) {
	e.forgetMicroflow(st.id)
	if errors.Is(err, offload.ErrExists) || errors.Is(err, offload.ErrTornDown) {
		e.metrics.Merges.WithLabelValues("cancelled").Inc()
		e.logger.Debug("microflow merge abandoned", "tuple", st.key.tuple, "error", err)
		return
	}
	e.metrics.Merges.WithLabelValues("failed").Inc()
	e.logger.Warn("microflow merge failed", "tuple", st.key.tuple, "error", err)
}

// build resolves the fragments of mf and merges them into a consolidated
// flow, in accumulation order. It touches no hardware.
func (e *Engine) build(mf *microflow.Microflow) (*flow.Flow, []*flow.Flow, []*flow.Flow, error) {
	if len(mf.Hops) == 0 {
		return nil, nil, nil, errors.New(errors.KindValidation, "empty microflow")
	}

	frags := make([]*flow.Flow, 0, len(mf.Hops))
	var templates []*flow.Flow
	for _, hop := range mf.Hops {
		if _, flags := hop.Flow.Status(); flags&flow.FlagCT != 0 {
			frags = append(frags, hop.Flow)
			continue
		}
		tmpl, ok := e.store.Lookup(hop.Cookie)
		if !ok {
			return nil, nil, nil, errors.Attr(errors.Wrapf(offload.ErrNotFound, errors.KindNotFound,
				"fragment %s", hop.Cookie), "cookie", hop.Cookie)
		}
		if state, _ := tmpl.Status(); state != flow.StateTemplate {
			return nil, nil, nil, errors.Errorf(errors.KindConflict, "fragment %s is %s, not a merge template", hop.Cookie, state)
		}
		templates = append(templates, tmpl)
		frags = append(frags, tmpl.Snapshot())
	}

	dir := frags[0].Direction
	cf := flow.NewConsolidated(e.store.NewID(), mf.Tuple.Cookie(), dir)
	sw := cf.Switch()
	rewriteLimit := e.caps.MaxRewriteActions[offload.DomainSwitch]

	var mirrors, fwds []offload.Port
	for _, frag := range frags {
		fs := frag.Switch()
		if fs == nil {
			return nil, nil, nil, errors.Wrapf(offload.ErrUnsupported, errors.KindUnsupported,
				"fragment %s is not a switch flow", frag.Cookie)
		}
		if frag.Direction != dir {
			return nil, nil, nil, errors.Errorf(errors.KindValidation,
				"fragment %s is %s, microflow is %s", frag.Cookie, frag.Direction, dir)
		}

		if err := cf.Match.Merge(&frag.Match); err != nil {
			return nil, nil, nil, errors.Wrapf(err, errors.KindConflict, "merge match of fragment %s", frag.Cookie)
		}
		cf.Action |= frag.Action

		mirrors = append(mirrors, fs.Dests[:fs.MirrorCount]...)
		fwds = append(fwds, fs.Dests[fs.MirrorCount:]...)
		if limit := e.caps.MaxForwardDests; limit > 0 && len(mirrors)+len(fwds) > limit {
			return nil, nil, nil, errors.Attr(errors.Wrapf(offload.ErrFanOut, errors.KindExhausted,
				"%d destinations, limit %d", len(mirrors)+len(fwds), limit), "cookie", frag.Cookie)
		}

		cf.Rewrite = append(cf.Rewrite, frag.Rewrite...)
		if n := len(cf.Rewrite) / offload.RewriteActionSize; rewriteLimit > 0 && n > rewriteLimit {
			return nil, nil, nil, errors.Attr(errors.Wrapf(offload.ErrRewriteLimit, errors.KindExhausted,
				"%d rewrite actions, limit %d", n, rewriteLimit), "cookie", frag.Cookie)
		}

		if fs.Tunnel != nil {
			tun := *fs.Tunnel
			sw.Tunnel = &tun
		}
		if fs.InPort != (offload.Port{}) {
			sw.InPort = fs.InPort
		}
		sw.VLAN = append(sw.VLAN, fs.VLAN...)
		if frag.CT != nil {
			conn := *frag.CT
			cf.CT = &conn
		}
		if frag.Prio > cf.Prio {
			cf.Prio = frag.Prio
		}
	}
	sw.Dests = append(mirrors, fwds...)
	sw.MirrorCount = len(mirrors)

	cf.Action &^= offload.ActionCT
	if cf.Action.Has(offload.ActionForward) && cf.Action.Has(offload.ActionDrop) {
		return nil, nil, nil, errors.New(errors.KindConflict, "merged fragments both forward and drop")
	}
	if !cf.Action.Has(offload.ActionForward) && !cf.Action.Has(offload.ActionDrop) {
		return nil, nil, nil, errors.Errorf(errors.KindValidation, "merged actions %s have no verdict", cf.Action)
	}

	cf.Match.ApplyTuple(mf.Tuple, match.TupleOptions{
		Inner:     cf.Action.Has(offload.ActionDecap),
		IPVersion: e.caps.MatchIPVersion,
	})
	return cf, frags, templates, nil
}

// linkLocked records the consolidated flow with its fragments, templates
// and the connection tracker. cf must be locked.
func (e *Engine) linkLocked(ctx context.Context, st *mfState, cf *flow.Flow, frags, templates []*flow.Flow) error {
	cf.Adopt(frags)
	for _, frag := range frags {
		frag.Placeholder.Link(cf)
	}
	for _, tmpl := range templates {
		tmpl.AddDerived(st.id)
	}
	// A template deleted since the snapshot will not find us in its derived
	// set, so the merge is abandoned here instead.
	for _, tmpl := range templates {
		if state, _ := tmpl.Status(); state == flow.StateTornDown {
			return errors.Wrapf(offload.ErrTornDown, errors.KindConflict, "template %s", tmpl.Cookie)
		}
	}

	if cf.CT != nil {
		if err := e.tracker.Register(ctx, *cf.CT, cf.Cookie); err != nil {
			return errors.Wrapf(err, errors.GetKind(err), "register connection %s", cf.CT.Tuple)
		}
		e.mfMutex.Lock()
		st.registered = true
		e.mfMutex.Unlock()
	}
	return nil
}

// unlinkConsolidatedLocked undoes linkLocked and forgets the microflow of
// cf. Final counters are folded into the fragment placeholders. cf must be
// locked and already released.
func (e *Engine) unlinkConsolidatedLocked(ctx context.Context, cf *flow.Flow) {
	e.mfMutex.Lock()
	id, ok := e.byFlow[cf.ID]
	var st *mfState
	if ok {
		st = e.microflows[id]
	}
	if st != nil {
		e.forgetLocked(st)
	}
	e.mfMutex.Unlock()

	for _, frag := range cf.Release() {
		frag.Placeholder.Unlink(cf, cf.HW.Base)
	}
	if st == nil {
		return
	}
	for _, tmpl := range st.templates {
		tmpl.RemoveDerived(st.id)
	}
	if st.registered && cf.CT != nil {
		if err := e.tracker.Unregister(ctx, *cf.CT); err != nil {
			e.logger.Warn("failed to unregister connection", "tuple", cf.CT.Tuple, "error", err)
		}
	}
	if e.mirror != nil {
		if err := e.mirror.Withdraw(st.key.tuple); err != nil {
			e.logger.Warn("failed to withdraw flow mirror entry", "tuple", st.key.tuple, "error", err)
		}
	}
}

// publish mirrors a consolidated flow into the eBPF flow map.
func (e *Engine) publish(cf *flow.Flow, t offload.Tuple, pending bool) {
	if e.mirror == nil {
		return
	}
	if err := e.mirror.Publish(t, cf.Cookie, cf.Action, pending); err != nil {
		e.logger.Warn("failed to publish flow mirror entry", "tuple", t, "error", err)
	}
}

// tupleOf returns the tuple of a consolidated flow.
func (e *Engine) tupleOf(cf *flow.Flow) (offload.Tuple, bool) {
	e.mfMutex.Lock()
	defer e.mfMutex.Unlock()
	id, ok := e.byFlow[cf.ID]
	if !ok {
		return offload.Tuple{}, false
	}
	return e.microflows[id].key.tuple, true
}
