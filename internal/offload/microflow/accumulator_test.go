// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package microflow

import (
	"net"
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
	"grimm.is/flyoffload/internal/offload/flow"
)

var (
	srcMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x02}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func ipv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
}

func eth(typ layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: typ}
}

func tcpPacket(t *testing.T) []byte {
	ip := ipv4(layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: 1234, DstPort: 80, ACK: true, Window: 512}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth(layers.EthernetTypeIPv4), ip, tcp, gopacket.Payload("hello"))
}

func TestParseTuple(t *testing.T) {
	t.Run("tcp", func(t *testing.T) {
		tuple, err := ParseTuple(tcpPacket(t))
		require.NoError(t, err)
		assert.Equal(t, offload.Tuple{
			Proto:   offload.ProtoTCP,
			Src:     netip.MustParseAddr("10.0.0.1"),
			Dst:     netip.MustParseAddr("10.0.0.2"),
			SrcPort: 1234,
			DstPort: 80,
		}, tuple)
	})

	t.Run("udp", func(t *testing.T) {
		ip := ipv4(layers.IPProtocolUDP)
		udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		tuple, err := ParseTuple(serialize(t, eth(layers.EthernetTypeIPv4), ip, udp))
		require.NoError(t, err)
		assert.Equal(t, offload.ProtoUDP, tuple.Proto)
		assert.Equal(t, uint16(53), tuple.DstPort)
	})

	rejects := []struct {
		name string
		pkt  func(t *testing.T) []byte
	}{
		{"ipv6", func(t *testing.T) []byte {
			ip := &layers.IPv6{
				Version:    6,
				HopLimit:   64,
				NextHeader: layers.IPProtocolTCP,
				SrcIP:      net.ParseIP("2001:db8::1"),
				DstIP:      net.ParseIP("2001:db8::2"),
			}
			tcp := &layers.TCP{SrcPort: 1, DstPort: 2}
			require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
			return serialize(t, eth(layers.EthernetTypeIPv6), ip, tcp)
		}},
		{"icmp", func(t *testing.T) []byte {
			icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}
			return serialize(t, eth(layers.EthernetTypeIPv4), ipv4(layers.IPProtocolICMPv4), icmp)
		}},
		{"fragment", func(t *testing.T) []byte {
			ip := ipv4(layers.IPProtocolUDP)
			ip.Flags = layers.IPv4MoreFragments
			return serialize(t, eth(layers.EthernetTypeIPv4), ip, gopacket.Payload(make([]byte, 16)))
		}},
		{"ip options", func(t *testing.T) []byte {
			ip := ipv4(layers.IPProtocolUDP)
			ip.Options = []layers.IPv4Option{{OptionType: 1}}
			udp := &layers.UDP{SrcPort: 1, DstPort: 2}
			require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
			return serialize(t, eth(layers.EthernetTypeIPv4), ip, udp)
		}},
		{"arp", func(t *testing.T) []byte {
			arp := &layers.ARP{
				AddrType:          layers.LinkTypeEthernet,
				Protocol:          layers.EthernetTypeIPv4,
				HwAddressSize:     6,
				ProtAddressSize:   4,
				Operation:         layers.ARPRequest,
				SourceHwAddress:   srcMAC,
				SourceProtAddress: []byte{10, 0, 0, 1},
				DstHwAddress:      make([]byte, 6),
				DstProtAddress:    []byte{10, 0, 0, 2},
			}
			return serialize(t, eth(layers.EthernetTypeARP), arp)
		}},
	}
	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTuple(tt.pkt(t))
			assert.True(t, errors.Is(err, offload.ErrUnsupported), "got %v", err)
		})
	}
}

func template(cookie offload.Cookie, chain uint32, action offload.Action) *flow.Flow {
	return flow.New(flow.Rule{
		Cookie:    cookie,
		Direction: offload.Ingress,
		Chain:     chain,
		Action:    action,
		Attr:      &flow.SwitchAttr{},
	})
}

func TestAccumulator(t *testing.T) {
	slots := NewSlots(2, 0)
	acc, err := slots.Slot(0)
	require.NoError(t, err)

	acc.Begin(1, 0)
	_, err = acc.ExtractTuple(tcpPacket(t))
	require.NoError(t, err)
	require.NoError(t, acc.RecordFragment(10, template(10, 0, offload.ActionCT)))

	acc.Begin(1, 1)
	ct := offload.CTTuple{Zone: 1}
	frag, err := acc.RecordCT(11, offload.Ingress, ct)
	require.NoError(t, err)
	assert.Equal(t, &ct, frag.CT)

	mf, err := acc.Finalize()
	require.NoError(t, err)
	require.NotNil(t, mf)
	assert.Equal(t, uint64(1), mf.Correlation)
	assert.Len(t, mf.Hops, 2)
	assert.Equal(t, Path{10, 11}, mf.Path())
	assert.Equal(t, uint16(80), mf.Tuple.DstPort)

	assert.Zero(t, acc.Len(), "finalize detaches the accumulator")
	mf, err = acc.Finalize()
	assert.NoError(t, err)
	assert.Nil(t, mf)

	_, err = slots.Slot(2)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestAccumulatorResetsOnNewPacket(t *testing.T) {
	acc, _ := NewSlots(1, 0).Slot(0)

	acc.Begin(1, 0)
	require.NoError(t, acc.RecordFragment(10, template(10, 0, offload.ActionCT)))

	acc.Begin(1, 2)
	assert.Equal(t, 1, acc.Len(), "same packet keeps its hops")

	acc.Begin(2, 2)
	assert.Zero(t, acc.Len(), "another packet reusing the slot starts over")

	require.NoError(t, acc.RecordFragment(10, template(10, 0, offload.ActionCT)))
	acc.Begin(2, 0)
	assert.Zero(t, acc.Len(), "chain 0 restarts accumulation")
}

func TestAccumulatorBound(t *testing.T) {
	acc, _ := NewSlots(1, 0).Slot(0)
	acc.Begin(7, 0)
	_, err := acc.ExtractTuple(tcpPacket(t))
	require.NoError(t, err)

	for i := 1; i <= MaxFragments; i++ {
		require.NoError(t, acc.RecordFragment(offload.Cookie(i), template(offload.Cookie(i), uint32(i), offload.ActionCT)))
	}
	err = acc.RecordFragment(99, template(99, 9, offload.ActionDrop))
	assert.True(t, errors.Is(err, offload.ErrFull))
	assert.True(t, acc.Poisoned())

	assert.True(t, errors.Is(acc.RecordFragment(100, template(100, 1, offload.ActionDrop)), offload.ErrPoisoned))
	_, err = acc.ExtractTuple(tcpPacket(t))
	assert.True(t, errors.Is(err, offload.ErrPoisoned))

	acc.Begin(7, 3)
	assert.True(t, acc.Poisoned(), "poison holds for the rest of the packet")

	mf, err := acc.Finalize()
	assert.Nil(t, mf)
	assert.True(t, errors.Is(err, offload.ErrPoisoned))
	assert.False(t, acc.Poisoned(), "finalize cleans up")
}

func TestAccumulatorPoisoning(t *testing.T) {
	t.Run("unknown cookie", func(t *testing.T) {
		acc, _ := NewSlots(1, 0).Slot(0)
		acc.Begin(1, 0)
		err := acc.RecordFragment(5, nil)
		assert.True(t, errors.Is(err, offload.ErrNotFound))
		assert.True(t, acc.Poisoned())
		assert.Zero(t, acc.Len(), "accumulated fragments are discarded")
	})

	t.Run("unsupported packet", func(t *testing.T) {
		acc, _ := NewSlots(1, 0).Slot(0)
		acc.Begin(1, 0)
		require.NoError(t, acc.RecordFragment(5, template(5, 0, offload.ActionCT)))
		_, err := acc.ExtractTuple([]byte{0x01, 0x02})
		assert.True(t, errors.Is(err, offload.ErrUnsupported))
		assert.True(t, acc.Poisoned())
	})

	t.Run("custom limit", func(t *testing.T) {
		acc, _ := NewSlots(1, 2).Slot(0)
		acc.Begin(1, 0)
		require.NoError(t, acc.RecordFragment(1, template(1, 0, offload.ActionCT)))
		require.NoError(t, acc.RecordFragment(2, template(2, 1, offload.ActionCT)))
		assert.True(t, errors.Is(acc.RecordFragment(3, template(3, 2, offload.ActionDrop)), offload.ErrFull))
	})
}
