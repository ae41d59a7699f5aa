// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package neigh

import (
	"context"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/logging"
	"grimm.is/flyoffload/internal/offload"
)

const nudValid = netlink.NUD_PERMANENT | netlink.NUD_NOARP | netlink.NUD_REACHABLE |
	netlink.NUD_PROBE | netlink.NUD_STALE | netlink.NUD_DELAY

// NetlinkResolver resolves next hops from the kernel routing and neighbor
// tables.
type NetlinkResolver struct {
	logger *logging.Logger
	// TTL is reported for every neighbor; zero leaves it to the encoder.
	TTL uint8
}

// NewNetlinkResolver creates a resolver backed by rtnetlink.
func NewNetlinkResolver(logger *logging.Logger) *NetlinkResolver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &NetlinkResolver{logger: logger.WithComponent("neigh")}
}

func toAddr(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

// familyOf returns the netlink address family of ip.
func familyOf(ip netip.Addr) int {
	if ip.Unmap().Is4() {
		return netlink.FAMILY_V4
	}
	return netlink.FAMILY_V6
}

// Resolve looks up the route to dst and the neighbor entry of its next hop,
// in the ARP table for IPv4 and the NDP table for IPv6.
func (r *NetlinkResolver) Resolve(ctx context.Context, dst netip.Addr) (Neighbor, error) {
	dst = dst.Unmap()
	routes, err := netlink.RouteGet(net.IP(dst.AsSlice()))
	if err != nil {
		return Neighbor{}, errors.Wrapf(err, errors.KindUnavailable, "route lookup for %s", dst)
	}
	if len(routes) == 0 {
		return Neighbor{}, errors.Errorf(errors.KindNotFound, "no route to %s", dst)
	}
	route := routes[0]

	link, err := netlink.LinkByIndex(route.LinkIndex)
	if err != nil {
		return Neighbor{}, errors.Wrapf(err, errors.KindUnavailable, "link %d", route.LinkIndex)
	}

	n := Neighbor{
		NextHop:         dst,
		Src:             toAddr(route.Src),
		Device:          link.Attrs().Name,
		SrcHardwareAddr: link.Attrs().HardwareAddr,
		TTL:             r.TTL,
	}
	if route.Gw != nil {
		n.NextHop = toAddr(route.Gw)
	}

	neighs, err := netlink.NeighList(route.LinkIndex, familyOf(n.NextHop))
	if err != nil {
		return n, errors.Wrapf(err, errors.KindUnavailable, "neighbor list on %s", n.Device)
	}
	for _, ne := range neighs {
		if toAddr(ne.IP) != n.NextHop {
			continue
		}
		if ne.State&nudValid != 0 && len(ne.HardwareAddr) == 6 {
			n.HardwareAddr = ne.HardwareAddr
			return n, nil
		}
		break
	}

	// Kick resolution so a neighbor event follows.
	if err := r.probe(route.LinkIndex, n.NextHop); err != nil {
		r.logger.Debug("failed to trigger neighbor resolution", "next_hop", n.NextHop, "error", err)
	}
	return n, errors.Wrapf(offload.ErrNotReady, errors.KindNotReady, "neighbor %s on %s", n.NextHop, n.Device)
}

// Probe re-arms neighbor confirmation for ip.
func (r *NetlinkResolver) Probe(ctx context.Context, ip netip.Addr) error {
	routes, err := netlink.RouteGet(net.IP(ip.AsSlice()))
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "route lookup for %s", ip)
	}
	if len(routes) == 0 {
		return errors.Errorf(errors.KindNotFound, "no route to neighbor %s", ip)
	}
	return r.probe(routes[0].LinkIndex, ip)
}

func (r *NetlinkResolver) probe(linkIndex int, ip netip.Addr) error {
	err := netlink.NeighSet(&netlink.Neigh{
		LinkIndex: linkIndex,
		Family:    familyOf(ip),
		State:     netlink.NUD_DELAY,
		IP:        net.IP(ip.AsSlice()),
	})
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "probe neighbor %s", ip)
	}
	return nil
}

// Watch subscribes to kernel neighbor updates.
func (r *NetlinkResolver) Watch(ctx context.Context, fn func(Event)) error {
	updates := make(chan netlink.NeighUpdate, 64)
	done := make(chan struct{})
	defer close(done)

	if err := netlink.NeighSubscribe(updates, done); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "subscribe to neighbor updates")
	}
	r.logger.Info("watching neighbor updates")

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return errors.New(errors.KindUnavailable, "neighbor subscription closed")
			}
			if u.Family != netlink.FAMILY_V4 && u.Family != netlink.FAMILY_V6 {
				continue
			}
			fn(Event{
				IP:        toAddr(u.IP),
				Reachable: u.Type == unix.RTM_NEWNEIGH && u.State&nudValid != 0,
			})
		case <-ctx.Done():
			return nil
		}
	}
}

var (
	_ Resolver = (*NetlinkResolver)(nil)
	_ Watcher  = (*NetlinkResolver)(nil)
)
