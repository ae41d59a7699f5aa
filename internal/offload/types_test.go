// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package offload

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grimm.is/flyoffload/internal/errors"
)

func testTuple() Tuple {
	return Tuple{
		Proto:   ProtoTCP,
		Src:     netip.MustParseAddr("10.0.0.1"),
		Dst:     netip.MustParseAddr("10.0.0.2"),
		SrcPort: 1234,
		DstPort: 80,
	}
}

func TestTuple(t *testing.T) {
	tup := testTuple()

	assert.True(t, tup.Valid())
	assert.Equal(t, "10.0.0.1:1234->10.0.0.2:80 proto=6", tup.String())
	assert.Equal(t, tup.Hash(), testTuple().Hash())
	assert.NotZero(t, uint64(tup.Cookie())&(1<<63))

	other := tup
	other.SrcPort = 1235
	assert.NotEqual(t, tup.Hash(), other.Hash())

	v6 := tup
	v6.Src = netip.MustParseAddr("2001:db8::1")
	assert.False(t, v6.Valid())

	icmp := tup
	icmp.Proto = 1
	assert.False(t, icmp.Valid())
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "none", Action(0).String())
	assert.Equal(t, "fwd|count|encap", (ActionForward | ActionCount | ActionEncap).String())
	assert.True(t, (ActionDrop | ActionCT).Has(ActionCT))
	assert.False(t, ActionDrop.Has(ActionDrop|ActionCT))
}

func TestCountersAdd(t *testing.T) {
	now := time.Now()
	a := Counters{Bytes: 100, Packets: 1, LastUsed: now.Add(-time.Second)}
	b := Counters{Bytes: 50, Packets: 2, LastUsed: now}

	sum := a.Add(b)
	assert.Equal(t, uint64(150), sum.Bytes)
	assert.Equal(t, uint64(3), sum.Packets)
	assert.Equal(t, now, sum.LastUsed)
}

func TestSentinelKinds(t *testing.T) {
	assert.True(t, IsNotReady(errors.Wrap(ErrNotReady, errors.KindNotReady, "encap pending")))
	assert.Equal(t, errors.KindExhausted, errors.GetKind(ErrFanOut))
	assert.Equal(t, errors.KindConflict, errors.GetKind(ErrMatchConflict))
}
