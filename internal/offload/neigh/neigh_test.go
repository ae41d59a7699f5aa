// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package neigh

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyoffload/internal/offload"
)

func TestStaticResolver(t *testing.T) {
	ctx := context.Background()
	r := NewStaticResolver()
	dst := netip.MustParseAddr("192.0.2.1")

	n, err := r.Resolve(ctx, dst)
	assert.True(t, offload.IsNotReady(err))
	assert.Equal(t, dst, n.NextHop, "pending resolution still names the next hop")

	r.Set(dst, Neighbor{Device: "uplink0", HardwareAddr: net.HardwareAddr{2, 0, 0, 0, 0, 1}})
	n, err = r.Resolve(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, "uplink0", n.Device)
	assert.Equal(t, dst, n.NextHop)

	require.NoError(t, r.Probe(ctx, dst))
	require.NoError(t, r.Probe(ctx, dst))
	assert.Equal(t, 2, r.Probes(dst))

	r.Delete(dst)
	_, err = r.Resolve(ctx, dst)
	assert.True(t, offload.IsNotReady(err))
}

func TestStaticResolverWatch(t *testing.T) {
	r := NewStaticResolver()
	dst := netip.MustParseAddr("192.0.2.1")
	gw := netip.MustParseAddr("192.0.2.254")

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- r.Watch(ctx, func(ev Event) { events <- ev })
	}()

	require.Eventually(t, func() bool {
		r.mutex.Lock()
		defer r.mutex.Unlock()
		return len(r.subs) == 1
	}, time.Second, 5*time.Millisecond)

	r.Set(dst, Neighbor{NextHop: gw})
	r.Delete(dst)
	r.Delete(dst)

	assert.Equal(t, Event{IP: gw, Reachable: true}, <-events)
	assert.Equal(t, Event{IP: gw, Reachable: false}, <-events)

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, events, "deleting an unknown entry is silent")
}
