// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
	"grimm.is/flyoffload/internal/offload/flow"
	"grimm.is/flyoffload/internal/offload/hw"
	"grimm.is/flyoffload/internal/offload/match"
)

const (
	cookieCT   offload.Cookie = 0xa
	cookieDrop offload.Cookie = 0xb
	cookieConn offload.Cookie = 0xc1
)

var conn = offload.CTTuple{Tuple: connTuple, Zone: 1}

// ctThenDrop stores the two-rule chain used by most merge tests: chain 0
// sends to conntrack, chain 1 drops.
func (h *harness) ctThenDrop() {
	h.t.Helper()
	h.add(switchRule(cookieCT, 0, offload.ActionCT))
	h.add(switchRule(cookieDrop, 1, offload.ActionDrop))
}

func (h *harness) walk(corr uint64) {
	h.t.Helper()
	require.NoError(h.t, h.hop(corr, 0, cookieCT, false))
	require.NoError(h.t, h.hop(corr, 1, cookieDrop, true))
}

func (h *harness) assertOnlyTemplates(msg string) {
	h.t.Helper()
	assert.True(h.t, h.dev.Live().Zero(), msg)
	assert.Equal(h.t, 2, h.e.NumFlows(), msg)
	assert.Zero(h.t, h.e.NumMicroflows(), msg)
	assert.Zero(h.t, h.tracker.Len(), msg)
	assert.Zero(h.t, h.e.modHdrs.Len()+h.e.encaps.Len()+h.e.hairpins.Len(), msg)
	_, ok := h.consolidated()
	assert.False(h.t, ok, msg)
}

func TestMergeChain(t *testing.T) {
	h := newHarness(t, nil)
	h.ctThenDrop()
	h.walk(1)
	assert.Equal(t, 1, h.e.NumMicroflows())
	assert.Zero(t, h.dev.Live().Rules, "merging is asynchronous")

	h.drain()

	cf, ok := h.consolidated()
	require.True(t, ok)
	state, flags := cf.Status()
	assert.Equal(t, flow.StateInstalled, state)
	assert.Equal(t, flow.FlagConsolidated|flow.FlagOffloaded, flags)
	assert.Equal(t, offload.ActionDrop, cf.Action)

	rules := h.dev.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, offload.ActionDrop, rules[0].Spec.Action)

	src, mask := rules[0].Spec.Match.Get(match.Outer, match.SrcIPv4)
	assert.Equal(t, uint64(0x0a000001), src)
	assert.Equal(t, uint64(0xffffffff), mask)
	dport, _ := rules[0].Spec.Match.Get(match.Outer, match.L4DstPort)
	assert.Equal(t, uint64(80), dport)

	ctTmpl, _ := h.e.Flow(cookieCT)
	assert.Len(t, ctTmpl.Derived(), 1)
}

func TestMergeMatchAndAttributes(t *testing.T) {
	h := newHarness(t, nil)

	a := switchRule(cookieCT, 0, offload.ActionCT)
	a.Prio = 3
	a.Match.Set(match.Outer, match.DMAC, 0x525400000002)
	b := switchRule(cookieDrop, 1, offload.ActionForward, 4)
	b.Prio = 7
	b.Match.Set(match.Outer, match.FirstVID, 10)
	b.Match.SetMasked(match.Outer, match.SrcIPv4, 0x0a000000, 0xff000000)
	b.Attr.(*flow.SwitchAttr).InPort = offload.Port{Vport: 2}
	h.add(a)
	h.add(b)

	h.walk(1)
	h.drain()

	want := a.Match
	require.NoError(t, want.Merge(&b.Match))
	want.ApplyTuple(connTuple, match.TupleOptions{IPVersion: h.e.caps.MatchIPVersion})

	rules := h.dev.Rules()
	require.Len(t, rules, 1)
	got := rules[0].Spec
	assert.Equal(t, want, got.Match)
	assert.Equal(t, uint16(7), got.Prio)
	assert.Equal(t, offload.ActionForward, got.Action)
	assert.Equal(t, []offload.Port{{Vport: 4}}, got.Dests)

	cf, _ := h.consolidated()
	assert.Equal(t, offload.Port{Vport: 2}, cf.Switch().InPort)
}

func TestMergeFailures(t *testing.T) {
	tests := []struct {
		name string
		a, b func(*flow.Rule)
	}{
		{
			name: "conflicting match",
			a:    func(r *flow.Rule) { r.Match.Set(match.Outer, match.EtherType, 0x0800) },
			b:    func(r *flow.Rule) { r.Match.Set(match.Outer, match.EtherType, 0x86dd) },
		},
		{
			name: "fan-out exceeded",
			a: func(r *flow.Rule) {
				r.Action |= offload.ActionForward
				r.Attr = &flow.SwitchAttr{Dests: []offload.Port{{Vport: 1}, {Vport: 2}}, MirrorCount: 2}
			},
			b: func(r *flow.Rule) {
				r.Action = offload.ActionForward
				r.Attr = &flow.SwitchAttr{Dests: []offload.Port{{Vport: 3}}}
			},
		},
		{
			name: "forward and drop",
			a: func(r *flow.Rule) {
				r.Action |= offload.ActionForward
				r.Attr = &flow.SwitchAttr{Dests: []offload.Port{{Vport: 1}}}
			},
		},
		{
			name: "no verdict",
			b:    func(r *flow.Rule) { r.Action = offload.ActionCount },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			a := switchRule(cookieCT, 0, offload.ActionCT)
			b := switchRule(cookieDrop, 1, offload.ActionDrop)
			if tt.a != nil {
				tt.a(&a)
			}
			if tt.b != nil {
				tt.b(&b)
			}
			h.add(a)
			h.add(b)

			h.walk(1)
			h.drain()

			h.assertOnlyTemplates(tt.name)
			assert.Zero(t, h.dev.Calls(hw.OpAddRule))
		})
	}
}

func TestMergeRollback(t *testing.T) {
	h := newHarness(t, nil)
	h.res.Set(tunDst, neighbor)

	a := switchRule(cookieCT, 0, offload.ActionCT|offload.ActionModHeader)
	a.Rewrite = make([]byte, offload.RewriteActionSize)
	b := encapRule(cookieDrop, 1)
	sw := b.Attr.(*flow.SwitchAttr)
	sw.Dests = []offload.Port{{Vport: 9}, {Vport: 1}}
	sw.MirrorCount = 1
	h.add(a)
	h.add(b)

	walk := func(corr uint64) {
		require.NoError(t, h.hop(corr, 0, cookieCT, false))
		require.NoError(t, h.ctHop(corr, 1, cookieConn))
		require.NoError(t, h.hop(corr, 1, cookieDrop, true))
		h.drain()
	}

	// Acquisition order is encap, mod header, primary rule, mirror rule.
	for k := 1; k <= 4; k++ {
		h.dev.FailAcquire(k, errors.New(errors.KindInternal, "injected"))
		walk(uint64(k))
		h.assertOnlyTemplates(fmt.Sprintf("failing acquisition %d", k))
	}

	t.Run("tracker registration", func(t *testing.T) {
		h.tracker.FailRegister(errors.New(errors.KindUnavailable, "conntrack down"))
		walk(10)
		h.assertOnlyTemplates("failing registration")
		h.tracker.FailRegister(nil)
	})

	walk(11)
	assert.Equal(t, hw.Live{ModHdrs: 1, Encaps: 1, Rules: 2}, h.dev.Live())
	cookie, ok := h.tracker.Offloaded(conn)
	require.True(t, ok)
	assert.Equal(t, connTuple.Cookie(), cookie)

	cf, _ := h.consolidated()
	require.NotNil(t, cf.CT)
	assert.Equal(t, conn, *cf.CT)
	assert.False(t, cf.Action.Has(offload.ActionCT))
	assert.Len(t, cf.Constituents(), 3)
}

func TestMergeBoundedAccumulation(t *testing.T) {
	h := newHarness(t, nil)

	for i := 1; i <= 9; i++ {
		action := offload.ActionCT
		if i == 9 {
			action = offload.ActionDrop
		}
		h.add(switchRule(offload.Cookie(i), uint32(i-1), action))
	}

	for i := 1; i <= 8; i++ {
		require.NoError(t, h.hop(1, uint32(i-1), offload.Cookie(i), false))
	}
	err := h.hop(1, 8, 9, true)
	assert.True(t, errors.Is(err, offload.ErrFull))

	h.drain()
	assert.Zero(t, h.e.NumMicroflows())
	assert.Zero(t, h.dev.Live().Rules)

	// The slot recovers for the next packet.
	require.NoError(t, h.hop(2, 0, 1, false))
	require.NoError(t, h.hop(2, 8, 9, true))
	h.drain()
	assert.Equal(t, 1, h.dev.Live().Rules)
}

func TestMergeUnknownFragment(t *testing.T) {
	h := newHarness(t, nil)
	h.ctThenDrop()

	err := h.hop(1, 0, 0xdead, false)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
	err = h.hop(1, 1, cookieDrop, true)
	assert.True(t, errors.Is(err, offload.ErrPoisoned))
	assert.Zero(t, h.e.NumMicroflows())
}

func TestMergeDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	h.ctThenDrop()
	h.add(switchRule(0xd, 1, offload.ActionForward, 3))

	h.walk(1)
	h.walk(2)
	assert.Equal(t, 1, h.e.NumMicroflows(), "same path and tuple")

	require.NoError(t, h.hop(3, 0, cookieCT, false))
	require.NoError(t, h.hop(3, 1, 0xd, true))
	assert.Equal(t, 1, h.e.NumMicroflows(), "one consolidated flow per connection")

	h.drain()
	assert.Equal(t, 1, h.dev.Calls(hw.OpAddRule))

	t.Run("already merged", func(t *testing.T) {
		h.walk(4)
		h.drain()
		assert.Equal(t, 1, h.dev.Calls(hw.OpAddRule))
	})

	t.Run("simple rule needs no merge", func(t *testing.T) {
		require.NoError(t, h.hop(5, 0, cookieDrop, true))
		assert.Equal(t, 1, h.e.NumMicroflows())
	})
}

func TestConnectionDestroyed(t *testing.T) {
	h := newHarness(t, nil)
	h.ctThenDrop()

	require.NoError(t, h.hop(1, 0, cookieCT, false))
	require.NoError(t, h.ctHop(1, 1, cookieConn))
	require.NoError(t, h.hop(1, 1, cookieDrop, true))

	t.Run("before the merge runs", func(t *testing.T) {
		h.e.OnConnectionDestroyed(conn)
		h.drain()
		h.assertOnlyTemplates("cancelled merge")
	})

	t.Run("after the merge", func(t *testing.T) {
		require.NoError(t, h.hop(2, 0, cookieCT, false))
		require.NoError(t, h.ctHop(2, 1, cookieConn))
		require.NoError(t, h.hop(2, 1, cookieDrop, true))
		h.drain()
		assert.Equal(t, 1, h.tracker.Len())

		h.e.OnConnectionDestroyed(conn)
		h.drain()
		h.assertOnlyTemplates("destroyed connection")
	})

	t.Run("unknown connection", func(t *testing.T) {
		h.e.OnConnectionDestroyed(offload.CTTuple{Tuple: connTuple, Zone: 9})
		h.drain()
	})
}

func TestTemplateDeleteCascades(t *testing.T) {
	h := newHarness(t, nil)
	h.ctThenDrop()
	h.walk(1)
	h.drain()
	require.Equal(t, 1, h.dev.Live().Rules)

	require.NoError(t, h.e.DeleteFlow(h.ctx, cookieCT, offload.Ingress))
	assert.True(t, h.dev.Live().Zero())
	assert.Zero(t, h.e.NumMicroflows())
	_, ok := h.consolidated()
	assert.False(t, ok)

	drop, ok := h.e.Flow(cookieDrop)
	require.True(t, ok)
	assert.Empty(t, drop.Derived())
}

func TestTemplateStats(t *testing.T) {
	h := newHarness(t, nil)
	h.ctThenDrop()
	h.walk(1)
	h.drain()

	cf, _ := h.consolidated()
	h.dev.Hit(cf.Rules()[0], 5, 500)

	for _, cookie := range []offload.Cookie{cookieCT, cookieDrop} {
		c, err := h.e.Stats(h.ctx, cookie)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), c.Packets, "cookie %s", cookie)
		assert.Equal(t, uint64(500), c.Bytes, "cookie %s", cookie)
	}

	c, err := h.e.ConnectionStats(h.ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.Packets)

	h.e.OnConnectionDestroyed(conn)
	h.drain()

	c, err = h.e.Stats(h.ctx, cookieDrop)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.Packets, "counters of a removed flow are kept")

	_, err = h.e.ConnectionStats(h.ctx, conn)
	assert.True(t, errors.Is(err, offload.ErrNotFound))

	h.walk(2)
	h.drain()
	cf, _ = h.consolidated()
	h.dev.Hit(cf.Rules()[0], 3, 300)

	c, err = h.e.Stats(h.ctx, cookieDrop)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), c.Packets)
}

// gatedDevice blocks the first AddRule until released.
type gatedDevice struct {
	*hw.SimDevice
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *gatedDevice) AddRule(ctx context.Context, spec *hw.RuleSpec) (hw.RuleHandle, error) {
	d.once.Do(func() {
		close(d.entered)
		<-d.release
	})
	return d.SimDevice.AddRule(ctx, spec)
}

func TestTeardownDuringMerge(t *testing.T) {
	tests := []struct {
		name      string
		interrupt func(*harness)
	}{
		{
			name:      "connection destroyed",
			interrupt: func(h *harness) { h.e.OnConnectionDestroyed(conn) },
		},
		{
			name: "template deleted",
			interrupt: func(h *harness) {
				require.NoError(h.t, h.e.DeleteFlow(h.ctx, cookieCT, offload.Ingress))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := &gatedDevice{entered: make(chan struct{}), release: make(chan struct{})}
			h := newHarness(t, func(d *hw.SimDevice) hw.Device {
				gate.SimDevice = d
				return gate
			})
			h.ctThenDrop()
			h.walk(1)

			done := make(chan struct{})
			go func() {
				defer close(done)
				h.e.processNextWorkItem()
			}()

			select {
			case <-gate.entered:
			case <-time.After(5 * time.Second):
				t.Fatal("merge never reached the device")
			}
			tt.interrupt(h)
			close(gate.release)
			<-done
			h.drain()

			assert.True(t, h.dev.Live().Zero())
			assert.Zero(t, h.e.NumMicroflows())
			assert.Zero(t, h.tracker.Len())
			_, ok := h.consolidated()
			assert.False(t, ok)
		})
	}
}

func TestWorkers(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.Start())
	require.NoError(t, h.e.Start())

	h.ctThenDrop()
	h.walk(1)

	require.Eventually(t, func() bool {
		cf, ok := h.consolidated()
		if !ok {
			return false
		}
		state, _ := cf.Status()
		return state == flow.StateInstalled
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.e.Close(h.ctx))
	assert.True(t, h.dev.Live().Zero())
}

func TestPendingConsolidatedAgesOut(t *testing.T) {
	h := newHarness(t, nil)
	h.add(switchRule(cookieCT, 0, offload.ActionCT))
	h.add(encapRule(cookieDrop, 1))
	h.walk(1)
	h.drain()

	cf, ok := h.consolidated()
	require.True(t, ok)
	state, _ := cf.Status()
	require.Equal(t, flow.StatePending, state)

	h.e.agePending(h.ctx)
	_, ok = h.consolidated()
	assert.True(t, ok, "young pending flows are kept")

	h.e.config.PendingTimeout = time.Nanosecond
	h.e.agePending(h.ctx)
	h.assertOnlyTemplates("aged out")
}
