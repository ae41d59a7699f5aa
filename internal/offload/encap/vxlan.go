// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package encap builds the tunnel headers programmed into encap entries.
package encap

import (
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/flyoffload/internal/errors"
)

// Header describes one tunnel header to build.
type Header struct {
	SrcMAC net.HardwareAddr
	DstMAC net.HardwareAddr
	Src    netip.Addr
	Dst    netip.Addr
	TOS    uint8
	TTL    uint8
	// DstPort is the UDP port of the tunnel.
	DstPort uint16
	VNI     uint32
}

// Encoder renders tunnel headers.
type Encoder interface {
	Encode(h Header) ([]byte, error)
}

// DefaultTTL is used when the tunnel key leaves the TTL unset.
const DefaultTTL = 64

// VXLANEncoder renders Ethernet/IP/UDP/VXLAN headers over IPv4 or IPv6.
type VXLANEncoder struct{}

// Encoded header sizes.
const (
	HeaderLen   = 14 + 20 + 8 + 8
	HeaderLenV6 = 14 + 40 + 8 + 8
)

// Encode serializes the outer headers. Length fields describe an empty
// payload; hardware rewrites them per packet.
func (VXLANEncoder) Encode(h Header) ([]byte, error) {
	src, dst := h.Src.Unmap(), h.Dst.Unmap()
	if !src.IsValid() || !dst.IsValid() || src.Is4() != dst.Is4() {
		return nil, errors.Errorf(errors.KindUnsupported, "vxlan over %s->%s", h.Src, h.Dst)
	}
	if len(h.DstMAC) != 6 || len(h.SrcMAC) != 6 {
		return nil, errors.New(errors.KindValidation, "tunnel header needs both mac addresses")
	}
	if h.VNI >= 1<<24 {
		return nil, errors.Errorf(errors.KindValidation, "vni %d out of range", h.VNI)
	}

	ttl := h.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	eth := &layers.Ethernet{
		SrcMAC: h.SrcMAC,
		DstMAC: h.DstMAC,
	}
	var ip gopacket.SerializableLayer
	if dst.Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip = &layers.IPv4{
			Version:  4,
			IHL:      5,
			TOS:      h.TOS,
			TTL:      ttl,
			Flags:    layers.IPv4DontFragment,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip = &layers.IPv6{
			Version:      6,
			TrafficClass: h.TOS,
			HopLimit:     ttl,
			NextHeader:   layers.IPProtocolUDP,
			SrcIP:        net.IP(src.AsSlice()),
			DstIP:        net.IP(dst.AsSlice()),
		}
	}
	udp := &layers.UDP{
		DstPort: layers.UDPPort(h.DstPort),
	}
	vxlan := &layers.VXLAN{
		ValidIDFlag: true,
		VNI:         h.VNI,
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true},
		eth, ip, udp, vxlan,
	); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "serialize vxlan header")
	}
	return buf.Bytes(), nil
}
