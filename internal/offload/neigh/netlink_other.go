// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package neigh

import (
	"context"
	"net/netip"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/logging"
	"grimm.is/flyoffload/internal/offload"
)

// NetlinkResolver is unavailable on this platform (Stub).
type NetlinkResolver struct {
	logger *logging.Logger
	TTL    uint8
}

func NewNetlinkResolver(logger *logging.Logger) *NetlinkResolver {
	return &NetlinkResolver{logger: logger}
}

func (r *NetlinkResolver) Resolve(ctx context.Context, dst netip.Addr) (Neighbor, error) {
	return Neighbor{}, errors.Wrap(offload.ErrUnsupported, errors.KindUnsupported, "netlink neighbor resolution")
}

func (r *NetlinkResolver) Probe(ctx context.Context, ip netip.Addr) error {
	return nil
}

func (r *NetlinkResolver) Watch(ctx context.Context, fn func(Event)) error {
	<-ctx.Done()
	return nil
}
