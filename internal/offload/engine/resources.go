// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"bytes"
	"context"
	"net"
	"net/netip"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
	"grimm.is/flyoffload/internal/offload/encap"
	"grimm.is/flyoffload/internal/offload/hw"
	"grimm.is/flyoffload/internal/offload/neigh"
	"grimm.is/flyoffload/internal/offload/rescache"
)

// encapValue is the programmed state of an encap entry. NextHop is known
// even while the entry is pending. The link-layer addresses are the ones
// encoded into the header.
type encapValue struct {
	ID      hw.EncapID
	NextHop netip.Addr
	Device  string
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
}

// stale reports whether n no longer matches the header programmed for v.
func (v encapValue) stale(n neigh.Neighbor) bool {
	return v.NextHop != n.NextHop ||
		!bytes.Equal(v.DstMAC, n.HardwareAddr) ||
		!bytes.Equal(v.SrcMAC, n.SrcHardwareAddr)
}

type modHdrProgrammer struct{ e *Engine }

func (p modHdrProgrammer) Program(ctx context.Context, k rescache.ModHdrKey) (hw.ModHdrID, error) {
	p.e.metrics.CacheOps.WithLabelValues("mod_hdr", "program").Inc()
	return p.e.dev.AllocModifyHeader(ctx, k.Domain, []byte(k.Actions))
}

func (p modHdrProgrammer) Release(ctx context.Context, k rescache.ModHdrKey, id hw.ModHdrID) error {
	p.e.metrics.CacheOps.WithLabelValues("mod_hdr", "release").Inc()
	return p.e.dev.FreeModifyHeader(ctx, id)
}

type hairpinProgrammer struct{ e *Engine }

func (p hairpinProgrammer) Program(ctx context.Context, k rescache.HairpinKey) (hw.Hairpin, error) {
	p.e.metrics.CacheOps.WithLabelValues("hairpin", "program").Inc()
	return p.e.dev.AllocHairpin(ctx, k.PeerID, k.Prio, p.e.caps.Channels)
}

func (p hairpinProgrammer) Release(ctx context.Context, k rescache.HairpinKey, h hw.Hairpin) error {
	p.e.metrics.CacheOps.WithLabelValues("hairpin", "release").Inc()
	return p.e.dev.FreeHairpin(ctx, h)
}

type encapProgrammer struct{ e *Engine }

// Program resolves the next hop of the tunnel and programs the header.
// An unresolved neighbor yields a pending value that still names the next
// hop, so the entry can be found when the neighbor appears.
func (p encapProgrammer) Program(ctx context.Context, k rescache.EncapKey) (encapValue, error) {
	e := p.e
	n, err := e.resolver.Resolve(ctx, k.Dst)
	if n.NextHop.IsValid() {
		e.trackNextHop(n.NextHop, k)
	}
	if err != nil {
		if offload.IsNotReady(err) {
			e.metrics.CacheOps.WithLabelValues("encap", "deferred").Inc()
			return encapValue{NextHop: n.NextHop, Device: n.Device}, err
		}
		return encapValue{}, errors.Wrapf(err, errors.GetKind(err), "resolve tunnel destination %s", k.Dst)
	}

	src := k.Src
	if !src.IsValid() {
		src = n.Src
	}
	ttl := k.TTL
	if ttl == 0 {
		ttl = n.TTL
	}
	header, err := e.encoder.Encode(encap.Header{
		SrcMAC:  n.SrcHardwareAddr,
		DstMAC:  n.HardwareAddr,
		Src:     src,
		Dst:     k.Dst,
		TOS:     k.TOS,
		TTL:     ttl,
		DstPort: k.DstPort,
		VNI:     k.VNI,
	})
	if err != nil {
		return encapValue{}, err
	}

	id, err := e.dev.AllocEncap(ctx, header)
	if err != nil {
		return encapValue{}, err
	}
	e.metrics.CacheOps.WithLabelValues("encap", "program").Inc()
	return encapValue{
		ID:      id,
		NextHop: n.NextHop,
		Device:  n.Device,
		SrcMAC:  n.SrcHardwareAddr,
		DstMAC:  n.HardwareAddr,
	}, nil
}

func (p encapProgrammer) Release(ctx context.Context, k rescache.EncapKey, v encapValue) error {
	p.e.metrics.CacheOps.WithLabelValues("encap", "release").Inc()
	return p.e.dev.FreeEncap(ctx, v.ID)
}

// trackNextHop indexes k under the neighbor it depends on.
func (e *Engine) trackNextHop(nh netip.Addr, k rescache.EncapKey) {
	e.nhMutex.Lock()
	defer e.nhMutex.Unlock()
	keys, ok := e.byNextHop[nh]
	if !ok {
		keys = make(map[rescache.EncapKey]struct{})
		e.byNextHop[nh] = keys
	}
	keys[k] = struct{}{}
}

// untrackEncap drops k from the next-hop index. It runs from the encap
// cache, under its lock, as the entry for k is removed; an entry created for
// k afterwards tracks itself again when programmed.
func (e *Engine) untrackEncap(k rescache.EncapKey) {
	e.nhMutex.Lock()
	defer e.nhMutex.Unlock()
	for nh, keys := range e.byNextHop {
		delete(keys, k)
		if len(keys) == 0 {
			delete(e.byNextHop, nh)
		}
	}
	delete(e.lastUse, k)
}

// encapKeysFor returns the encap keys depending on neighbor ip.
func (e *Engine) encapKeysFor(ip netip.Addr) []rescache.EncapKey {
	e.nhMutex.Lock()
	defer e.nhMutex.Unlock()
	keys := make([]rescache.EncapKey, 0, len(e.byNextHop[ip]))
	for k := range e.byNextHop[ip] {
		keys = append(keys, k)
	}
	return keys
}

func (e *Engine) updateCacheGauges() {
	e.metrics.CacheEntries.WithLabelValues("mod_hdr").Set(float64(e.modHdrs.Len()))
	e.metrics.CacheEntries.WithLabelValues("encap").Set(float64(e.encaps.Len()))
	e.metrics.CacheEntries.WithLabelValues("hairpin").Set(float64(e.hairpins.Len()))
}
