// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rescache

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/cespare/xxhash/v2"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
)

// ModHdrKey identifies a header-rewrite program.
type ModHdrKey struct {
	Domain offload.Domain
	// Actions holds the raw rewrite instructions, RewriteActionSize bytes each.
	Actions string
}

// NewModHdrKey builds a rewrite key from encoded instructions.
func NewModHdrKey(domain offload.Domain, actions []byte) (ModHdrKey, error) {
	if len(actions) == 0 || len(actions)%offload.RewriteActionSize != 0 {
		return ModHdrKey{}, errors.Errorf(errors.KindValidation,
			"rewrite program of %d bytes is not a whole number of actions", len(actions))
	}
	return ModHdrKey{Domain: domain, Actions: string(actions)}, nil
}

// NumActions returns the number of rewrite instructions.
func (k ModHdrKey) NumActions() int {
	return len(k.Actions) / offload.RewriteActionSize
}

func (k ModHdrKey) Digest() uint64 {
	d := xxhash.New()
	_, _ = d.Write([]byte{byte(k.Domain)})
	_, _ = d.WriteString(k.Actions)
	return d.Sum64()
}

func (k ModHdrKey) String() string {
	return fmt.Sprintf("%s/%d-actions", k.Domain, k.NumActions())
}

// TunnelType is the encapsulation format of an encap entry.
type TunnelType uint8

const (
	TunnelVXLAN TunnelType = iota + 1
)

func (t TunnelType) String() string {
	if t == TunnelVXLAN {
		return "vxlan"
	}
	return "unknown"
}

// EncapKey identifies a tunnel encapsulation header.
type EncapKey struct {
	Dst     netip.Addr
	Src     netip.Addr
	VNI     uint32
	DstPort uint16
	TOS     uint8
	TTL     uint8
	Type    TunnelType
}

// NewEncapKey validates tun and derives its cache key. The tunnel may run
// over IPv4 or IPv6; a source address, when given, must be of the same
// family. The UDP destination port must be set and registered as a VXLAN
// port; a UDP source port cannot be requested.
func NewEncapKey(tun offload.TunnelInfo, isVXLANPort func(uint16) bool) (EncapKey, error) {
	dst := tun.Dst.Unmap()
	if !dst.IsValid() {
		return EncapKey{}, errors.New(errors.KindValidation, "tunnel destination must be set")
	}
	src := tun.Src.Unmap()
	if src.IsValid() && src.Is4() != dst.Is4() {
		return EncapKey{}, errors.Errorf(errors.KindValidation,
			"tunnel source %s and destination %s differ in address family", src, dst)
	}
	if tun.DstPort == 0 {
		return EncapKey{}, errors.New(errors.KindValidation, "tunnel udp destination port must be set")
	}
	if tun.SrcPort != 0 {
		return EncapKey{}, errors.Wrap(offload.ErrUnsupported, errors.KindUnsupported,
			"tunnel udp source port cannot be set")
	}
	if isVXLANPort == nil || !isVXLANPort(tun.DstPort) {
		return EncapKey{}, errors.Attr(errors.Wrapf(offload.ErrUnsupported, errors.KindUnsupported,
			"udp port %d is not a vxlan port", tun.DstPort), "port", tun.DstPort)
	}
	return EncapKey{
		Dst:     dst,
		Src:     src,
		VNI:     tun.VNI,
		DstPort: tun.DstPort,
		TOS:     tun.TOS,
		TTL:     tun.TTL,
		Type:    TunnelVXLAN,
	}, nil
}

func (k EncapKey) Digest() uint64 {
	var buf [44]byte
	dst, src := k.Dst.As16(), k.Src.As16()
	copy(buf[0:16], dst[:])
	copy(buf[16:32], src[:])
	binary.BigEndian.PutUint32(buf[32:36], k.VNI)
	binary.BigEndian.PutUint16(buf[36:38], k.DstPort)
	buf[38] = k.TOS
	buf[39] = k.TTL
	buf[40] = byte(k.Type)
	return xxhash.Sum64(buf[:])
}

func (k EncapKey) String() string {
	return fmt.Sprintf("%s %s->%s vni=%d port=%d", k.Type, k.Src, k.Dst, k.VNI, k.DstPort)
}

// HairpinKey identifies a hairpin path to a peer device at a priority.
type HairpinKey struct {
	PeerID uint16
	Prio   uint8
}

func (k HairpinKey) Digest() uint64 {
	var buf [3]byte
	binary.BigEndian.PutUint16(buf[:2], k.PeerID)
	buf[2] = k.Prio
	return xxhash.Sum64(buf[:])
}

func (k HairpinKey) String() string {
	return fmt.Sprintf("peer=%d prio=%d", k.PeerID, k.Prio)
}
