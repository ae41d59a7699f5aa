// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package offload holds the vocabulary shared by the flow offload engine:
// cookies, directions, action bits, connection tuples and the engine-wide
// error sentinels.
package offload

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Cookie is the opaque identity a classifier rule (or a connection) is
// offloaded under.
type Cookie uint64

func (c Cookie) String() string {
	return fmt.Sprintf("%#x", uint64(c))
}

// FlowID is the arena handle of a flow. Zero is never a valid handle.
type FlowID uint64

// Direction of the classifier hook a rule was attached to.
type Direction uint8

const (
	Ingress Direction = 1 << iota
	Egress
)

func (d Direction) String() string {
	switch d {
	case Ingress:
		return "ingress"
	case Egress:
		return "egress"
	default:
		return "unknown"
	}
}

// Domain selects the hardware table a flow lands in.
type Domain uint8

const (
	// DomainNIC is the device-local receive flow table.
	DomainNIC Domain = iota + 1
	// DomainSwitch is the embedded switch (representor) table.
	DomainSwitch
)

func (d Domain) String() string {
	switch d {
	case DomainNIC:
		return "nic"
	case DomainSwitch:
		return "switch"
	default:
		return "unknown"
	}
}

// Action is a bitmask of hardware flow-context actions.
type Action uint32

const (
	ActionForward Action = 1 << iota
	ActionDrop
	ActionCount
	ActionModHeader
	ActionEncap
	ActionDecap
	ActionCT
	ActionVLANPush
	ActionVLANPop
)

var actionNames = []struct {
	bit  Action
	name string
}{
	{ActionForward, "fwd"},
	{ActionDrop, "drop"},
	{ActionCount, "count"},
	{ActionModHeader, "mod_hdr"},
	{ActionEncap, "encap"},
	{ActionDecap, "decap"},
	{ActionCT, "ct"},
	{ActionVLANPush, "vlan_push"},
	{ActionVLANPop, "vlan_pop"},
}

// Has reports whether every bit of want is set.
func (a Action) Has(want Action) bool {
	return a&want == want
}

func (a Action) String() string {
	if a == 0 {
		return "none"
	}
	var parts []string
	for _, n := range actionNames {
		if a&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Protocol numbers the tuple path understands.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// Tuple identifies a connection. Only IPv4 TCP/UDP tuples are offloaded.
type Tuple struct {
	Proto   uint8      `json:"proto"`
	Src     netip.Addr `json:"src"`
	Dst     netip.Addr `json:"dst"`
	SrcPort uint16     `json:"src_port"`
	DstPort uint16     `json:"dst_port"`
}

// Valid reports whether the tuple is a complete IPv4 TCP/UDP tuple.
func (t Tuple) Valid() bool {
	return t.Src.Is4() && t.Dst.Is4() && (t.Proto == ProtoTCP || t.Proto == ProtoUDP)
}

// Hash returns a stable 64-bit digest of the tuple.
func (t Tuple) Hash() uint64 {
	var buf [13]byte
	buf[0] = t.Proto
	src, dst := t.Src.As4(), t.Dst.As4()
	copy(buf[1:5], src[:])
	copy(buf[5:9], dst[:])
	binary.BigEndian.PutUint16(buf[9:11], t.SrcPort)
	binary.BigEndian.PutUint16(buf[11:13], t.DstPort)
	return xxhash.Sum64(buf[:])
}

// Cookie derives the cookie a consolidated flow for this tuple is stored
// under. Connection cookies live in the upper half of the cookie space;
// a clash with a caller cookie is caught by the store's atomic insert.
func (t Tuple) Cookie() Cookie {
	return Cookie(t.Hash() | 1<<63)
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s:%d->%s:%d proto=%d", t.Src, t.SrcPort, t.Dst, t.DstPort, t.Proto)
}

// CTTuple is a connection as seen by the connection-tracking subsystem.
type CTTuple struct {
	Tuple Tuple  `json:"tuple"`
	Zone  uint16 `json:"zone"`
}

// Port is an output destination of a forwarding action (vport or uplink).
type Port struct {
	Vport  uint16 `json:"vport"`
	Device string `json:"device,omitempty"`
}

// RewriteActionSize is the encoded size of one header-rewrite instruction.
const RewriteActionSize = 8

// TunnelInfo describes the encapsulation a rule asks for.
type TunnelInfo struct {
	Dst     netip.Addr `json:"dst"`
	Src     netip.Addr `json:"src"`
	VNI     uint32     `json:"vni"`
	DstPort uint16     `json:"dst_port"`
	SrcPort uint16     `json:"src_port"`
	TOS     uint8      `json:"tos"`
	TTL     uint8      `json:"ttl"`
	// MirredDevice is the egress device the encapsulated packet leaves on.
	MirredDevice string `json:"mirred_device"`
}

// Counters is a snapshot of a rule's hardware statistics.
type Counters struct {
	Bytes    uint64    `json:"bytes"`
	Packets  uint64    `json:"packets"`
	LastUsed time.Time `json:"last_used"`
}

// Add folds o into c.
func (c Counters) Add(o Counters) Counters {
	c.Bytes += o.Bytes
	c.Packets += o.Packets
	if o.LastUsed.After(c.LastUsed) {
		c.LastUsed = o.LastUsed
	}
	return c
}
