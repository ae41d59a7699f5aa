// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine offloads classifier rules onto a hardware flow table and
// merges the per-packet fragment chains of tracked connections into single
// connection-specific rules.
//
// Packet-path calls (ConfigureMicroflow, ConfigureCT) only record state and
// never touch hardware. Merging, resource programming and reconciliation run
// on background workers fed by one job queue.
package engine

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/client-go/util/workqueue"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/logging"
	"grimm.is/flyoffload/internal/offload"
	"grimm.is/flyoffload/internal/offload/ct"
	"grimm.is/flyoffload/internal/offload/encap"
	"grimm.is/flyoffload/internal/offload/flow"
	"grimm.is/flyoffload/internal/offload/hw"
	"grimm.is/flyoffload/internal/offload/metrics"
	"grimm.is/flyoffload/internal/offload/microflow"
	"grimm.is/flyoffload/internal/offload/neigh"
	"grimm.is/flyoffload/internal/offload/rescache"
)

// Deps are the external services the engine drives.
type Deps struct {
	Device   hw.Device
	Resolver neigh.Resolver
	Encoder  encap.Encoder
	Tracker  ct.Tracker
	// Mirror, when set, publishes consolidated flows to a pinned eBPF map.
	Mirror  *hw.FlowMirror
	Metrics *metrics.Metrics
}

// Engine is the flow offload engine.
type Engine struct {
	dev      hw.Device
	caps     hw.Capabilities
	resolver neigh.Resolver
	encoder  encap.Encoder
	tracker  ct.Tracker
	mirror   *hw.FlowMirror
	metrics  *metrics.Metrics
	logger   *logging.Logger
	config   *Config

	store    *flow.Store
	modHdrs  *rescache.Cache[rescache.ModHdrKey, hw.ModHdrID]
	encaps   *rescache.Cache[rescache.EncapKey, encapValue]
	hairpins *rescache.Cache[rescache.HairpinKey, hw.Hairpin]
	slots    *microflow.Slots

	mfMutex    sync.Mutex
	nextMF     uint64
	microflows map[uint64]*mfState
	byPath     map[pathKey]uint64
	byTuple    map[offload.Tuple]uint64
	byFlow     map[flow.ID]uint64

	nhMutex   sync.Mutex
	byNextHop map[netip.Addr]map[rescache.EncapKey]struct{}
	lastUse   map[rescache.EncapKey]time.Time

	queue   workqueue.RateLimitingInterface
	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// NewEngine creates an engine. Start must be called before background work
// is processed.
func NewEngine(deps Deps, logger *logging.Logger, config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Device == nil || deps.Resolver == nil || deps.Encoder == nil || deps.Tracker == nil {
		return nil, errors.New(errors.KindValidation, "engine needs a device, resolver, encoder and tracker")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		dev:        deps.Device,
		caps:       deps.Device.Capabilities(),
		resolver:   deps.Resolver,
		encoder:    deps.Encoder,
		tracker:    deps.Tracker,
		mirror:     deps.Mirror,
		metrics:    deps.Metrics,
		logger:     logger.WithComponent("offload"),
		config:     config,
		store:      flow.NewStore(),
		slots:      microflow.NewSlots(config.Slots, config.MaxFragments),
		microflows: make(map[uint64]*mfState),
		byPath:     make(map[pathKey]uint64),
		byTuple:    make(map[offload.Tuple]uint64),
		byFlow:     make(map[flow.ID]uint64),
		byNextHop:  make(map[netip.Addr]map[rescache.EncapKey]struct{}),
		lastUse:    make(map[rescache.EncapKey]time.Time),
		queue: workqueue.NewNamedRateLimitingQueue(
			workqueue.NewItemExponentialFailureRateLimiter(config.RetryBaseDelay, config.RetryMaxDelay),
			"offload"),
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
	}
	e.modHdrs = rescache.New[rescache.ModHdrKey, hw.ModHdrID]("mod_hdr", modHdrProgrammer{e}, logger)
	e.encaps = rescache.New[rescache.EncapKey, encapValue]("encap", encapProgrammer{e}, logger)
	e.encaps.OnRemove(e.untrackEncap)
	e.hairpins = rescache.New[rescache.HairpinKey, hw.Hairpin]("hairpin", hairpinProgrammer{e}, logger)
	return e, nil
}

// Start launches the background workers and the keep-alive routine.
func (e *Engine) Start() error {
	if e.closed.Load() {
		return errors.New(errors.KindUnavailable, "engine is closed")
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runWorker()
		}()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.cleanupRoutine()
	}()

	e.logger.Info("Offload engine started",
		"workers", e.config.Workers,
		"slots", e.config.Slots,
		"max_forward_dests", e.caps.MaxForwardDests,
		"keepalive_interval", e.config.KeepaliveInterval)
	return nil
}

// Close stops background work and releases every flow and resource, as on
// interface teardown.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopCh)
	e.queue.ShutDown()
	e.wg.Wait()
	e.cancel()

	flows := e.store.Drain()
	for _, f := range flows {
		e.teardown(ctx, f, "shutdown")
	}

	e.mfMutex.Lock()
	leftover := len(e.microflows)
	e.microflows = make(map[uint64]*mfState)
	e.byPath = make(map[pathKey]uint64)
	e.byTuple = make(map[offload.Tuple]uint64)
	e.byFlow = make(map[flow.ID]uint64)
	e.mfMutex.Unlock()

	e.updateCacheGauges()
	e.logger.Info("Offload engine stopped",
		"flows_released", len(flows),
		"microflows_dropped", leftover)

	if n := e.modHdrs.Len() + e.encaps.Len() + e.hairpins.Len(); n > 0 {
		return errors.Errorf(errors.KindInternal, "%d resource cache entries leaked", n)
	}
	return nil
}

// NumFlows returns the number of stored flows.
func (e *Engine) NumFlows() int {
	return e.store.Len()
}

// Flow returns the stored flow for cookie.
func (e *Engine) Flow(cookie offload.Cookie) (*flow.Flow, bool) {
	return e.store.Lookup(cookie)
}

// AddFlow offloads a classifier rule. A rule whose cookie is already present
// is accepted as a no-op. Simple switch rules and NIC rules are installed
// immediately; chained or tracked switch rules are kept as merge templates.
// A rule waiting for a neighbor is parked, not failed.
func (e *Engine) AddFlow(ctx context.Context, r flow.Rule) error {
	if err := r.Validate(); err != nil {
		e.metrics.FlowEvents.WithLabelValues("add", "invalid").Inc()
		return err
	}
	if r.Attr.Domain() == offload.DomainNIC && (r.Chain != 0 || r.Action.Has(offload.ActionCT)) {
		return errors.Wrap(offload.ErrUnsupported, errors.KindUnsupported, "connection tracking needs the switch domain")
	}

	f := flow.New(r)
	if _, err := e.store.Insert(f); err != nil {
		if errors.Is(err, offload.ErrExists) {
			e.logger.Debug("flow already offloaded", "cookie", r.Cookie)
			e.metrics.FlowEvents.WithLabelValues("add", "duplicate").Inc()
			return nil
		}
		return err
	}

	if f.Domain() == offload.DomainSwitch && !f.IsSimple() {
		f.Lock()
		f.State = flow.StateTemplate
		f.Flags |= flow.FlagTemplate
		f.Unlock()
		e.logger.Debug("stored merge template", "cookie", f.Cookie, "chain", f.Chain)
		e.metrics.FlowEvents.WithLabelValues("add", "template").Inc()
		return nil
	}

	f.Lock()
	if f.Domain() == offload.DomainSwitch {
		f.Flags |= flow.FlagSimple
	}
	err := e.installLocked(ctx, f)
	switch {
	case err == nil:
		f.Unlock()
		e.metrics.FlowEvents.WithLabelValues("add", "installed").Inc()
		return nil
	case offload.IsNotReady(err):
		f.Unlock()
		e.logger.Debug("flow waiting for resource", "cookie", f.Cookie, "error", err)
		e.metrics.FlowEvents.WithLabelValues("add", "pending").Inc()
		return nil
	}
	e.teardownLocked(ctx, f)
	f.Unlock()

	e.metrics.FlowEvents.WithLabelValues("add", "failed").Inc()
	e.logger.Warn("failed to offload flow", "cookie", r.Cookie, "error", err)
	return err
}

// DeleteFlow removes the flow offloaded under cookie. The direction must
// match the one the flow was added with. Deleting a merge template tears
// down every consolidated flow built from it.
func (e *Engine) DeleteFlow(ctx context.Context, cookie offload.Cookie, dir offload.Direction) error {
	f, ok := e.store.Lookup(cookie)
	if !ok {
		return errors.Attr(errors.Wrapf(offload.ErrNotFound, errors.KindNotFound, "cookie %s", cookie), "cookie", cookie)
	}
	if f.Direction != dir {
		return errors.Errorf(errors.KindValidation, "cookie %s was added for %s, not %s", cookie, f.Direction, dir)
	}
	if !e.store.RemoveFlow(f) {
		return errors.Wrapf(offload.ErrNotFound, errors.KindNotFound, "cookie %s", cookie)
	}
	e.teardown(ctx, f, "delete")
	e.metrics.FlowEvents.WithLabelValues("delete", "ok").Inc()
	return nil
}

// Stats returns the counters of the flow offloaded under cookie. Flows
// without a hardware rule of their own report their placeholder counter,
// which aggregates the consolidated flows built from them.
func (e *Engine) Stats(ctx context.Context, cookie offload.Cookie) (offload.Counters, error) {
	f, ok := e.store.Lookup(cookie)
	if !ok {
		return offload.Counters{}, errors.Wrapf(offload.ErrNotFound, errors.KindNotFound, "cookie %s", cookie)
	}
	c := e.flowCounters(ctx, f)

	folded, sources := f.Placeholder.Read()
	c = c.Add(folded)
	for _, src := range sources {
		if src == f {
			continue
		}
		c = c.Add(e.flowCounters(ctx, src))
	}
	return c, nil
}

// ConnectionStats returns the counters of the consolidated flow offloaded
// for tuple, or the connection tracker's own counters when the merge has not
// completed.
func (e *Engine) ConnectionStats(ctx context.Context, conn offload.CTTuple) (offload.Counters, error) {
	e.mfMutex.Lock()
	var f *flow.Flow
	if id, ok := e.byTuple[conn.Tuple]; ok {
		f = e.microflows[id].flow
	}
	e.mfMutex.Unlock()

	if f != nil {
		return e.flowCounters(ctx, f), nil
	}
	return e.tracker.Stats(ctx, conn)
}

// flowCounters reads the hardware counters of f plus those of its rules
// removed earlier.
func (e *Engine) flowCounters(ctx context.Context, f *flow.Flow) offload.Counters {
	f.Lock()
	defer f.Unlock()
	return e.countersLocked(ctx, f)
}

func (e *Engine) countersLocked(ctx context.Context, f *flow.Flow) offload.Counters {
	c := f.HW.Base
	if h := f.HW.Rules[0]; h != 0 {
		live, err := e.dev.QueryCounter(ctx, h)
		if err != nil {
			e.logger.Debug("failed to query rule counter", "cookie", f.Cookie, "handle", h, "error", err)
			return c
		}
		c = c.Add(live)
	}
	return c
}
