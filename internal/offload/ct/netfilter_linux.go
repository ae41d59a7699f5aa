// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package ct

import (
	"context"

	"github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/logging"
	"grimm.is/flyoffload/internal/offload"
)

// NetfilterTracker marks offloaded connections in the kernel conntrack
// table.
type NetfilterTracker struct {
	conn   *conntrack.Conn
	logger *logging.Logger
}

// NewNetfilterTracker opens a conntrack netlink connection.
func NewNetfilterTracker(logger *logging.Logger) (*NetfilterTracker, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	c, err := conntrack.Dial(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "dial conntrack")
	}
	return &NetfilterTracker{conn: c, logger: logger.WithComponent("ct")}, nil
}

func toFlow(ct offload.CTTuple) conntrack.Flow {
	t := ct.Tuple
	f := conntrack.NewFlow(t.Proto, 0, t.Src, t.Dst, t.SrcPort, t.DstPort, 0, 0)
	f.Zone = ct.Zone
	return f
}

func fromFlow(f *conntrack.Flow) offload.CTTuple {
	o := f.TupleOrig
	return offload.CTTuple{
		Tuple: offload.Tuple{
			Proto:   o.Proto.Protocol,
			Src:     o.IP.SourceAddress.Unmap(),
			Dst:     o.IP.DestinationAddress.Unmap(),
			SrcPort: o.Proto.SourcePort,
			DstPort: o.Proto.DestinationPort,
		},
		Zone: f.Zone,
	}
}

func (t *NetfilterTracker) setMark(ct offload.CTTuple, on bool) error {
	f, err := t.conn.Get(toFlow(ct))
	if err != nil {
		return errors.Wrapf(err, errors.KindNotFound, "conntrack lookup %s", ct.Tuple)
	}
	mark := f.Mark &^ OffloadMark
	if on {
		mark |= OffloadMark
	}
	if mark == f.Mark {
		return nil
	}

	upd := toFlow(ct)
	upd.Mark = mark
	if err := t.conn.Update(upd); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "conntrack update %s", ct.Tuple)
	}
	return nil
}

func (t *NetfilterTracker) Register(ctx context.Context, ct offload.CTTuple, cookie offload.Cookie) error {
	if err := t.setMark(ct, true); err != nil {
		return err
	}
	t.logger.Debug("connection offloaded", "tuple", ct.Tuple, "zone", ct.Zone, "cookie", cookie)
	return nil
}

func (t *NetfilterTracker) Unregister(ctx context.Context, ct offload.CTTuple) error {
	err := t.setMark(ct, false)
	if errors.IsKind(err, errors.KindNotFound) {
		return nil
	}
	return err
}

func (t *NetfilterTracker) Stats(ctx context.Context, ct offload.CTTuple) (offload.Counters, error) {
	f, err := t.conn.Get(toFlow(ct))
	if err != nil {
		return offload.Counters{}, errors.Wrapf(err, errors.KindNotFound, "conntrack lookup %s", ct.Tuple)
	}
	return countersOf(f), nil
}

// countersOf sums both directions of f. Conntrack keeps no last-seen
// timestamp, so LastUsed stays zero.
func countersOf(f conntrack.Flow) offload.Counters {
	return offload.Counters{
		Packets: f.CountersOrig.Packets + f.CountersReply.Packets,
		Bytes:   f.CountersOrig.Bytes + f.CountersReply.Bytes,
	}
}

// Close closes the netlink connection.
func (t *NetfilterTracker) Close() error {
	return t.conn.Close()
}

// Listener delivers conntrack destroy events.
type Listener struct {
	logger  *logging.Logger
	workers uint8
}

// NewListener creates a destroy-event listener.
func NewListener(logger *logging.Logger, workers uint8) *Listener {
	if logger == nil {
		logger = logging.Discard()
	}
	if workers == 0 {
		workers = 1
	}
	return &Listener{logger: logger.WithComponent("ct"), workers: workers}
}

// Run calls fn for every destroyed IPv4 TCP/UDP connection until ctx is done.
func (l *Listener) Run(ctx context.Context, fn DestroyFunc) error {
	c, err := conntrack.Dial(nil)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "dial conntrack")
	}
	defer c.Close()

	events := make(chan conntrack.Event, 1024)
	errCh, err := c.Listen(events, l.workers, []netfilter.NetlinkGroup{netfilter.GroupCTDestroy})
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "listen for conntrack events")
	}
	l.logger.Info("listening for conntrack destroy events", "workers", l.workers)

	for {
		select {
		case ev := <-events:
			if ev.Type != conntrack.EventDestroy || ev.Flow == nil {
				continue
			}
			ct := fromFlow(ev.Flow)
			if !ct.Tuple.Valid() {
				continue
			}
			fn(ct)
		case err := <-errCh:
			return errors.Wrap(err, errors.KindUnavailable, "conntrack event stream")
		case <-ctx.Done():
			return nil
		}
	}
}

var _ Tracker = (*NetfilterTracker)(nil)
