// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package microflow

import (
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
)

func unsupported(format string, args ...any) error {
	return errors.Wrapf(offload.ErrUnsupported, errors.KindUnsupported, format, args...)
}

// ParseTuple extracts the 5-tuple of an Ethernet frame. Only unfragmented
// IPv4 without options carrying TCP or UDP is accepted.
func ParseTuple(data []byte) (offload.Tuple, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet,
		gopacket.DecodeOptions{NoCopy: true, Lazy: true})

	if packet.Layer(layers.LayerTypeIPv6) != nil {
		return offload.Tuple{}, unsupported("ipv6 packet")
	}
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return offload.Tuple{}, unsupported("non-ip packet")
	}
	ip := ipLayer.(*layers.IPv4)
	if ip.IHL != 5 {
		return offload.Tuple{}, unsupported("ipv4 header length %d", ip.IHL)
	}
	if ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
		return offload.Tuple{}, unsupported("fragmented packet")
	}

	src, _ := netip.AddrFromSlice(ip.SrcIP)
	dst, _ := netip.AddrFromSlice(ip.DstIP)
	t := offload.Tuple{Src: src.Unmap(), Dst: dst.Unmap()}

	switch ip.Protocol {
	case layers.IPProtocolTCP:
		tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok {
			return offload.Tuple{}, unsupported("truncated tcp header")
		}
		t.Proto = offload.ProtoTCP
		t.SrcPort, t.DstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
	case layers.IPProtocolUDP:
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			return offload.Tuple{}, unsupported("truncated udp header")
		}
		t.Proto = offload.ProtoUDP
		t.SrcPort, t.DstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
	default:
		return offload.Tuple{}, unsupported("ip protocol %d", ip.Protocol)
	}

	if !t.Valid() {
		return offload.Tuple{}, unsupported("tuple %s", t)
	}
	return t, nil
}
