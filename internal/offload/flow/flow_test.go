// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
)

func switchRule(cookie offload.Cookie, chain uint32, action offload.Action) Rule {
	return Rule{
		Cookie:    cookie,
		Direction: offload.Ingress,
		Chain:     chain,
		Action:    action,
		Attr:      &SwitchAttr{Dests: []offload.Port{{Vport: 1}}},
	}
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		kind errors.Kind
	}{
		{"ok", switchRule(1, 0, offload.ActionForward), errors.KindUnknown},
		{"no cookie", switchRule(0, 0, offload.ActionForward), errors.KindValidation},
		{"rewrite without program", switchRule(1, 0, offload.ActionForward|offload.ActionModHeader), errors.KindValidation},
		{"fwd and drop", switchRule(1, 0, offload.ActionForward|offload.ActionDrop), errors.KindValidation},
		{"encap without tunnel", switchRule(1, 0, offload.ActionForward|offload.ActionEncap), errors.KindValidation},
		{"nic decap", Rule{Cookie: 1, Direction: offload.Ingress, Action: offload.ActionDecap, Attr: &NICAttr{}}, errors.KindUnsupported},
		{"bad direction", Rule{Cookie: 1, Attr: &NICAttr{}}, errors.KindValidation},
		{"no attr", Rule{Cookie: 1, Direction: offload.Egress}, errors.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.kind == errors.KindUnknown {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.kind, errors.GetKind(err))
		})
	}
}

func TestFlowKinds(t *testing.T) {
	simple := New(switchRule(1, 0, offload.ActionForward))
	assert.True(t, simple.IsSimple())
	assert.Equal(t, offload.DomainSwitch, simple.Domain())
	assert.NotNil(t, simple.Switch())
	assert.Nil(t, simple.NIC())

	chained := New(switchRule(2, 1, offload.ActionDrop))
	assert.False(t, chained.IsSimple())

	tracked := New(switchRule(3, 0, offload.ActionCT))
	assert.False(t, tracked.IsSimple())

	ct := NewCT(9, offload.Ingress, offload.CTTuple{Zone: 2})
	_, flags := ct.Status()
	assert.Equal(t, FlagCT, flags)
	assert.Equal(t, "ct", flags.String())
}

func TestSnapshotIsIndependent(t *testing.T) {
	r := switchRule(7, 1, offload.ActionForward|offload.ActionEncap)
	r.Attr.(*SwitchAttr).Tunnel = &offload.TunnelInfo{Dst: netip.MustParseAddr("192.0.2.1"), DstPort: 4789}
	tmpl := New(r)

	snap := tmpl.Snapshot()
	snap.Switch().Dests[0].Vport = 99
	snap.Switch().Tunnel.VNI = 5

	assert.Equal(t, uint16(1), tmpl.Switch().Dests[0].Vport)
	assert.Zero(t, tmpl.Switch().Tunnel.VNI)
	assert.Same(t, tmpl.Placeholder, snap.Placeholder)
	_, flags := snap.Status()
	assert.Equal(t, FlagFragment, flags)
}

func TestMembership(t *testing.T) {
	merged := New(switchRule(100, 0, offload.ActionDrop))
	a := New(switchRule(1, 0, offload.ActionCT)).Snapshot()
	b := New(switchRule(2, 1, offload.ActionDrop)).Snapshot()

	merged.Adopt([]*Flow{a, b})
	assert.Same(t, merged, a.Owner())
	assert.Len(t, merged.Constituents(), 2)

	frags := merged.Release()
	assert.Len(t, frags, 2)
	assert.Nil(t, b.Owner())
	assert.Empty(t, merged.Constituents())

	tmpl := New(switchRule(3, 1, offload.ActionDrop))
	tmpl.AddDerived(10)
	tmpl.AddDerived(11)
	tmpl.RemoveDerived(10)
	assert.Equal(t, []uint64{11}, tmpl.Derived())
}

func TestCounter(t *testing.T) {
	c := NewCounter()
	f := &Flow{ID: 5}
	c.Link(f)

	folded, srcs := c.Read()
	assert.Zero(t, folded.Packets)
	assert.Len(t, srcs, 1)

	now := time.Now()
	c.Unlink(f, offload.Counters{Packets: 4, Bytes: 400, LastUsed: now})
	c.Unlink(f, offload.Counters{Packets: 4})

	folded, srcs = c.Read()
	assert.Empty(t, srcs)
	assert.Equal(t, uint64(4), folded.Packets, "unlinking twice folds once")
	assert.Equal(t, now, folded.LastUsed)
}

func TestStore(t *testing.T) {
	s := NewStore()

	a := New(switchRule(1, 0, offload.ActionForward))
	stored, err := s.Insert(a)
	require.NoError(t, err)
	assert.Same(t, a, stored)
	assert.NotZero(t, a.ID)

	t.Run("duplicate cookie keeps the original", func(t *testing.T) {
		dup := New(switchRule(1, 0, offload.ActionDrop))
		existing, err := s.Insert(dup)
		assert.True(t, errors.Is(err, offload.ErrExists))
		assert.Same(t, a, existing)
		assert.Equal(t, 1, s.Len())
	})

	t.Run("lookup and get", func(t *testing.T) {
		got, ok := s.Lookup(1)
		require.True(t, ok)
		assert.Same(t, a, got)
		got, ok = s.Get(a.ID)
		require.True(t, ok)
		assert.Same(t, a, got)
		_, ok = s.Lookup(2)
		assert.False(t, ok)
	})

	t.Run("remove flow only removes the same flow", func(t *testing.T) {
		other := New(switchRule(1, 0, offload.ActionForward))
		other.ID = s.NewID()
		assert.False(t, s.RemoveFlow(other))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("concurrent inserts of one cookie", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Insert(New(switchRule(42, 0, offload.ActionForward))); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("range and drain", func(t *testing.T) {
		var seen []offload.Cookie
		s.Range(func(f *Flow) bool {
			seen = append(seen, f.Cookie)
			return true
		})
		assert.Equal(t, []offload.Cookie{1, 42}, seen)

		drained := s.Drain()
		assert.Len(t, drained, 2)
		assert.Zero(t, s.Len())

		removed, ok := s.Remove(1)
		assert.False(t, ok)
		assert.Nil(t, removed)
	})
}
