// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ct

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
)

func TestMemoryTracker(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker()
	conn := offload.CTTuple{
		Tuple: offload.Tuple{
			Proto:   offload.ProtoTCP,
			Src:     netip.MustParseAddr("10.0.0.1"),
			Dst:     netip.MustParseAddr("10.0.0.2"),
			SrcPort: 1234,
			DstPort: 80,
		},
		Zone: 3,
	}

	require.NoError(t, tr.Register(ctx, conn, 77))
	cookie, ok := tr.Offloaded(conn)
	require.True(t, ok)
	assert.Equal(t, offload.Cookie(77), cookie)

	_, err := tr.Stats(ctx, conn)
	assert.True(t, errors.Is(err, offload.ErrNotFound))
	tr.SetStats(conn, offload.Counters{Packets: 3})
	c, err := tr.Stats(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.Packets)

	require.NoError(t, tr.Unregister(ctx, conn))
	require.NoError(t, tr.Unregister(ctx, conn))
	assert.Zero(t, tr.Len())

	tr.FailRegister(errors.New(errors.KindUnavailable, "down"))
	assert.Error(t, tr.Register(ctx, conn, 1))
}
