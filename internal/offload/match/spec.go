// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package match implements the fixed-size match specification handed to the
// hardware rule installer: a criteria (mask) buffer and a value buffer laid
// out as outer headers, inner headers and miscellaneous parameters.
package match

import (
	"encoding/binary"
	"fmt"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
)

// Region is a section of the match buffers.
type Region int

const (
	Outer Region = iota
	Inner
	Misc
)

const (
	// HeadersSize is the size of one L2-L4 header region.
	HeadersSize = 36
	// MiscSize is the size of the miscellaneous parameter region.
	MiscSize = 12
	// ParamSize is the total size of each match buffer.
	ParamSize = 2*HeadersSize + MiscSize
)

func (r Region) base() int {
	switch r {
	case Inner:
		return HeadersSize
	case Misc:
		return 2 * HeadersSize
	default:
		return 0
	}
}

func (r Region) String() string {
	switch r {
	case Outer:
		return "outer"
	case Inner:
		return "inner"
	case Misc:
		return "misc"
	default:
		return "unknown"
	}
}

// Field locates a big-endian field inside a region.
type Field struct {
	Name   string
	Offset int
	Width  int
	misc   bool
}

// Header fields, valid in the Outer and Inner regions.
var (
	DMAC       = Field{Name: "dmac", Offset: 0, Width: 6}
	SMAC       = Field{Name: "smac", Offset: 6, Width: 6}
	EtherType  = Field{Name: "ethertype", Offset: 12, Width: 2}
	CVLANTag   = Field{Name: "cvlan_tag", Offset: 14, Width: 1}
	FirstPrio  = Field{Name: "first_prio", Offset: 15, Width: 1}
	FirstVID   = Field{Name: "first_vid", Offset: 16, Width: 2}
	IPVersion  = Field{Name: "ip_version", Offset: 18, Width: 1}
	IPProtocol = Field{Name: "ip_protocol", Offset: 19, Width: 1}
	SrcIPv4    = Field{Name: "src_ipv4", Offset: 20, Width: 4}
	DstIPv4    = Field{Name: "dst_ipv4", Offset: 24, Width: 4}
	L4SrcPort  = Field{Name: "l4_sport", Offset: 28, Width: 2}
	L4DstPort  = Field{Name: "l4_dport", Offset: 30, Width: 2}
	TCPFlags   = Field{Name: "tcp_flags", Offset: 32, Width: 1}
	IPDSCP     = Field{Name: "ip_dscp", Offset: 33, Width: 1}
)

// Misc fields, valid only in the Misc region.
var (
	SourcePort = Field{Name: "source_port", Offset: 0, Width: 2, misc: true}
	VXLANVNI   = Field{Name: "vxlan_vni", Offset: 2, Width: 4, misc: true}
)

// Level is the deepest header layer a spec matches on.
type Level uint8

const (
	LevelNone Level = iota
	LevelL2
	LevelL3
	LevelL4
)

// TCP flag bits as carried in the tcp_flags field.
const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagACK = 0x10
)

// Spec is a hardware match specification.
type Spec struct {
	Criteria [ParamSize]byte
	Value    [ParamSize]byte
	Level    Level
}

func (s *Spec) span(r Region, f Field) (int, int) {
	if f.misc != (r == Misc) {
		panic(fmt.Sprintf("match: field %s not valid in %s region", f.Name, r))
	}
	start := r.base() + f.Offset
	return start, start + f.Width
}

// SetBytes sets an exact match on f in region r.
func (s *Spec) SetBytes(r Region, f Field, v []byte) {
	start, end := s.span(r, f)
	if len(v) != f.Width {
		panic(fmt.Sprintf("match: field %s wants %d bytes, got %d", f.Name, f.Width, len(v)))
	}
	copy(s.Value[start:end], v)
	for i := start; i < end; i++ {
		s.Criteria[i] = 0xff
	}
}

// SetMasked sets a masked match on f in region r. Value bits outside mask are
// cleared so merged specs never carry stray bits.
func (s *Spec) SetMasked(r Region, f Field, value, mask uint64) {
	start, end := s.span(r, f)
	for i := end - 1; i >= start; i-- {
		m := byte(mask)
		s.Criteria[i] = m
		s.Value[i] = byte(value) & m
		value >>= 8
		mask >>= 8
	}
}

// Set sets an exact match on f in region r.
func (s *Spec) Set(r Region, f Field, value uint64) {
	s.SetMasked(r, f, value, ^uint64(0))
}

// Get returns the value and mask of f in region r.
func (s *Spec) Get(r Region, f Field) (value, mask uint64) {
	start, end := s.span(r, f)
	for i := start; i < end; i++ {
		value = value<<8 | uint64(s.Value[i])
		mask = mask<<8 | uint64(s.Criteria[i])
	}
	return value, mask
}

// Clear drops any match on f in region r.
func (s *Spec) Clear(r Region, f Field) {
	start, end := s.span(r, f)
	for i := start; i < end; i++ {
		s.Criteria[i] = 0
		s.Value[i] = 0
	}
}

// IsZero reports whether the spec matches everything.
func (s *Spec) IsZero() bool {
	return s.Criteria == [ParamSize]byte{} && s.Value == [ParamSize]byte{}
}

// Conflicts returns the first field-level offset at which s and o both match
// the same bit with different values, or -1 if they are compatible.
func (s *Spec) Conflicts(o *Spec) int {
	for i := 0; i < ParamSize; i++ {
		overlap := s.Criteria[i] & o.Criteria[i]
		if overlap == 0 {
			continue
		}
		if s.Value[i]&overlap != o.Value[i]&overlap {
			return i
		}
	}
	return -1
}

// Merge ORs src into s. Fragments staged by chained classification match
// disjoint-but-compatible header subsets; a fragment requiring a different
// value on a bit another fragment already matches is rejected instead of
// silently producing a spec neither fragment asked for.
func (s *Spec) Merge(src *Spec) error {
	if off := s.Conflicts(src); off >= 0 {
		return errors.Attr(errors.Wrapf(offload.ErrMatchConflict, errors.KindConflict,
			"fragments disagree at byte %d", off), "offset", off)
	}
	for i := 0; i < ParamSize; i++ {
		s.Criteria[i] |= src.Criteria[i]
		s.Value[i] |= src.Value[i]
	}
	if src.Level > s.Level {
		s.Level = src.Level
	}
	return nil
}

// TupleOptions controls how ApplyTuple encodes the L3 selector.
type TupleOptions struct {
	// Inner overlays the inner headers (decapsulated traffic).
	Inner bool
	// IPVersion matches ip_version instead of ethertype when the table
	// supports it.
	IPVersion bool
}

// ApplyTuple overlays an exact connection match on the spec, replacing any
// broader match the fragments contributed on the same fields. TCP tuples also
// require a plain ACK segment so that handshake and teardown packets keep
// reaching software.
func (s *Spec) ApplyTuple(t offload.Tuple, opts TupleOptions) {
	r := Outer
	if opts.Inner {
		r = Inner
	}

	if opts.IPVersion {
		s.Set(r, IPVersion, 4)
	} else {
		s.Set(r, EtherType, 0x0800)
	}

	src, dst := t.Src.As4(), t.Dst.As4()
	s.SetBytes(r, SrcIPv4, src[:])
	s.SetBytes(r, DstIPv4, dst[:])
	s.Set(r, IPProtocol, uint64(t.Proto))

	var port [2]byte
	binary.BigEndian.PutUint16(port[:], t.SrcPort)
	s.SetBytes(r, L4SrcPort, port[:])
	binary.BigEndian.PutUint16(port[:], t.DstPort)
	s.SetBytes(r, L4DstPort, port[:])

	if t.Proto == offload.ProtoTCP {
		s.SetMasked(r, TCPFlags, TCPFlagACK, TCPFlagFIN|TCPFlagSYN|TCPFlagRST|TCPFlagACK)
	}

	if s.Level < LevelL4 {
		s.Level = LevelL4
	}
}

// UnknownPriority is the hairpin priority used when no VLAN PCP is matched.
const UnknownPriority = 8

// VLANPriority returns the exact outer VLAN PCP the spec matches, or
// UnknownPriority when it matches none. A partially masked PCP is rejected.
func (s *Spec) VLANPriority() (uint8, error) {
	tag, _ := s.Get(Outer, CVLANTag)
	if tag == 0 {
		return UnknownPriority, nil
	}
	prio, mask := s.Get(Outer, FirstPrio)
	switch mask & 0x7 {
	case 0:
		return UnknownPriority, nil
	case 0x7:
		return uint8(prio & 0x7), nil
	default:
		return 0, errors.Wrap(offload.ErrUnsupported, errors.KindUnsupported,
			"masked priority match not supported for hairpin")
	}
}
