// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow holds the offloaded flow object model and the cookie-indexed
// flow store.
package flow

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
	"grimm.is/flyoffload/internal/offload/hw"
	"grimm.is/flyoffload/internal/offload/match"
	"grimm.is/flyoffload/internal/offload/rescache"
)

// ID is the arena handle of a flow.
type ID = offload.FlowID

// Flags describe what kind of flow this is and what it holds.
type Flags uint32

const (
	// FlagOffloaded is set while the flow's rules are in hardware.
	FlagOffloaded Flags = 1 << iota
	// FlagSimple marks a rule installed on its own, without merging.
	FlagSimple
	// FlagTemplate marks a chained rule kept in software as merge input.
	FlagTemplate
	// FlagConsolidated marks a flow built by merging a microflow.
	FlagConsolidated
	// FlagFragment marks a per-merge snapshot of a template.
	FlagFragment
	// FlagCT marks a fragment created on the fly for a tracked connection.
	FlagCT
	// FlagHairpin marks a NIC flow redirected over a hairpin path.
	FlagHairpin
)

var flagNames = []struct {
	bit  Flags
	name string
}{
	{FlagOffloaded, "offloaded"},
	{FlagSimple, "simple"},
	{FlagTemplate, "template"},
	{FlagConsolidated, "consolidated"},
	{FlagFragment, "fragment"},
	{FlagCT, "ct"},
	{FlagHairpin, "hairpin"},
}

func (f Flags) String() string {
	var parts []string
	for _, n := range flagNames {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// State is the install lifecycle of a flow.
type State uint8

const (
	StateBuilding State = iota
	// StatePending waits for a resource (encap neighbor) to become valid.
	StatePending
	StateInstalled
	// StateTemplate is a software-only chained rule.
	StateTemplate
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StatePending:
		return "pending"
	case StateInstalled:
		return "installed"
	case StateTemplate:
		return "template"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// Attr is the domain-specific attribute block of a flow: either *NICAttr or
// *SwitchAttr.
type Attr interface {
	Domain() offload.Domain
	clone() Attr
}

// NICAttr holds attributes of a device-local flow.
type NICAttr struct {
	FlowTag uint32
	// HairpinPeer is the peer device id; zero means no hairpin.
	HairpinPeer uint16
}

func (*NICAttr) Domain() offload.Domain { return offload.DomainNIC }

func (a *NICAttr) clone() Attr {
	cp := *a
	return &cp
}

// SwitchAttr holds attributes of an embedded switch flow.
type SwitchAttr struct {
	InPort offload.Port
	Dests  []offload.Port
	// MirrorCount is how many leading Dests are mirrors, forwarded to
	// before the remaining actions run.
	MirrorCount int
	Tunnel      *offload.TunnelInfo
	VLAN        []hw.VLAN
}

func (*SwitchAttr) Domain() offload.Domain { return offload.DomainSwitch }

func (a *SwitchAttr) clone() Attr {
	cp := *a
	cp.Dests = append([]offload.Port(nil), a.Dests...)
	cp.VLAN = append([]hw.VLAN(nil), a.VLAN...)
	if a.Tunnel != nil {
		tun := *a.Tunnel
		cp.Tunnel = &tun
	}
	return &cp
}

// Rule is a decoded classifier rule.
type Rule struct {
	Cookie    offload.Cookie
	Direction offload.Direction
	Chain     uint32
	Prio      uint16
	Match     match.Spec
	Action    offload.Action
	Attr      Attr
	// Rewrite holds encoded header-rewrite instructions.
	Rewrite []byte
}

// Validate checks that the rule is self-consistent.
func (r *Rule) Validate() error {
	if r.Cookie == 0 {
		return errors.New(errors.KindValidation, "rule cookie must be set")
	}
	if r.Direction != offload.Ingress && r.Direction != offload.Egress {
		return errors.Errorf(errors.KindValidation, "invalid direction %d", r.Direction)
	}
	if r.Attr == nil {
		return errors.New(errors.KindValidation, "rule has no domain attributes")
	}
	if r.Action.Has(offload.ActionModHeader) != (len(r.Rewrite) > 0) {
		return errors.New(errors.KindValidation, "rewrite action and program must come together")
	}
	if len(r.Rewrite)%offload.RewriteActionSize != 0 {
		return errors.Errorf(errors.KindValidation, "rewrite program of %d bytes", len(r.Rewrite))
	}
	if r.Action.Has(offload.ActionForward) && r.Action.Has(offload.ActionDrop) {
		return errors.New(errors.KindValidation, "rule cannot both forward and drop")
	}

	switch a := r.Attr.(type) {
	case *SwitchAttr:
		if r.Action.Has(offload.ActionEncap) != (a.Tunnel != nil) {
			return errors.New(errors.KindValidation, "encap action and tunnel must come together")
		}
		if a.MirrorCount < 0 || a.MirrorCount > len(a.Dests) {
			return errors.Errorf(errors.KindValidation, "mirror count %d with %d destinations", a.MirrorCount, len(a.Dests))
		}
	case *NICAttr:
		if r.Action.Has(offload.ActionEncap) || r.Action.Has(offload.ActionDecap) {
			return errors.Wrap(offload.ErrUnsupported, errors.KindUnsupported, "tunnel actions need the switch domain")
		}
	}
	return nil
}

// Install is the hardware state of a flow. It is guarded by the flow lock.
type Install struct {
	Rules [2]hw.RuleHandle
	// Base holds the counters of rules that were removed while the flow
	// lived on.
	Base offload.Counters

	ModHdr   *rescache.Ref[rescache.ModHdrKey]
	ModHdrID hw.ModHdrID

	Encap   *rescache.Ref[rescache.EncapKey]
	EncapID hw.EncapID

	Hairpin    *rescache.Ref[rescache.HairpinKey]
	HairpinVal hw.Hairpin
}

// Flow is one offloaded classifier rule or consolidated connection.
type Flow struct {
	ID        ID
	Cookie    offload.Cookie
	Direction offload.Direction
	Chain     uint32
	Prio      uint16
	Match     match.Spec
	Action    offload.Action
	Attr      Attr
	Rewrite   []byte
	// CT is the connection a CT fragment or consolidated flow stands for.
	CT      *offload.CTTuple
	Created time.Time

	// Placeholder collects statistics for flows that have no rule of their
	// own. Fragment snapshots share their template's placeholder.
	Placeholder *Counter

	mu    sync.Mutex
	State State
	Flags Flags
	HW    Install

	members      sync.Mutex
	derived      map[uint64]struct{}
	constituents []*Flow
	owner        *Flow
}

// New builds a flow from a rule. The caller assigns the ID.
func New(r Rule) *Flow {
	f := &Flow{
		Cookie:      r.Cookie,
		Direction:   r.Direction,
		Chain:       r.Chain,
		Prio:        r.Prio,
		Match:       r.Match,
		Action:      r.Action,
		Rewrite:     append([]byte(nil), r.Rewrite...),
		Created:     time.Now(),
		Placeholder: NewCounter(),
	}
	if r.Attr != nil {
		f.Attr = r.Attr.clone()
	}
	return f
}

// NewCT builds a fragment for a tracked connection discovered while a packet
// is classified. It carries no match or actions of its own.
func NewCT(cookie offload.Cookie, dir offload.Direction, ct offload.CTTuple) *Flow {
	return &Flow{
		Cookie:      cookie,
		Direction:   dir,
		Attr:        &SwitchAttr{},
		CT:          &ct,
		Created:     time.Now(),
		Placeholder: NewCounter(),
		Flags:       FlagCT,
	}
}

// NewConsolidated starts an empty switch flow that fragments are merged
// into.
func NewConsolidated(id ID, cookie offload.Cookie, dir offload.Direction) *Flow {
	return &Flow{
		ID:          id,
		Cookie:      cookie,
		Direction:   dir,
		Attr:        &SwitchAttr{},
		Created:     time.Now(),
		Placeholder: NewCounter(),
		Flags:       FlagConsolidated,
	}
}

// Snapshot copies a template into a fragment owned by a single merge. The
// placeholder counter is shared with the template.
func (f *Flow) Snapshot() *Flow {
	cp := &Flow{
		Cookie:      f.Cookie,
		Direction:   f.Direction,
		Chain:       f.Chain,
		Prio:        f.Prio,
		Match:       f.Match,
		Action:      f.Action,
		Rewrite:     append([]byte(nil), f.Rewrite...),
		Created:     time.Now(),
		Placeholder: f.Placeholder,
		Flags:       FlagFragment,
	}
	if f.Attr != nil {
		cp.Attr = f.Attr.clone()
	}
	if f.CT != nil {
		ct := *f.CT
		cp.CT = &ct
	}
	return cp
}

// Domain returns the offload domain of the flow.
func (f *Flow) Domain() offload.Domain {
	if f.Attr == nil {
		return 0
	}
	return f.Attr.Domain()
}

// Switch returns the switch attributes, or nil for NIC flows.
func (f *Flow) Switch() *SwitchAttr {
	a, _ := f.Attr.(*SwitchAttr)
	return a
}

// NIC returns the NIC attributes, or nil for switch flows.
func (f *Flow) NIC() *NICAttr {
	a, _ := f.Attr.(*NICAttr)
	return a
}

// IsSimple reports whether a switch rule can be installed without merging:
// it sits on the root chain and terminates with forward or drop.
func (f *Flow) IsSimple() bool {
	return f.Chain == 0 && !f.Action.Has(offload.ActionCT) &&
		(f.Action.Has(offload.ActionForward) || f.Action.Has(offload.ActionDrop))
}

// Lock acquires the install lock guarding State, Flags and HW.
func (f *Flow) Lock() { f.mu.Lock() }

// Unlock releases the install lock.
func (f *Flow) Unlock() { f.mu.Unlock() }

// Status returns State and Flags under the lock.
func (f *Flow) Status() (State, Flags) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.State, f.Flags
}

// Rules returns the installed rule handles under the lock.
func (f *Flow) Rules() [2]hw.RuleHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.HW.Rules
}

func (f *Flow) String() string {
	return fmt.Sprintf("flow %d cookie=%s chain=%d action=%s", f.ID, f.Cookie, f.Chain, f.Action)
}

// AddDerived records that microflow mf was merged from this template.
func (f *Flow) AddDerived(mf uint64) {
	f.members.Lock()
	defer f.members.Unlock()
	if f.derived == nil {
		f.derived = make(map[uint64]struct{})
	}
	f.derived[mf] = struct{}{}
}

// RemoveDerived forgets microflow mf.
func (f *Flow) RemoveDerived(mf uint64) {
	f.members.Lock()
	defer f.members.Unlock()
	delete(f.derived, mf)
}

// Derived returns the microflows merged from this template.
func (f *Flow) Derived() []uint64 {
	f.members.Lock()
	defer f.members.Unlock()
	out := make([]uint64, 0, len(f.derived))
	for id := range f.derived {
		out = append(out, id)
	}
	return out
}

// Adopt makes frags the constituents of a consolidated flow.
func (f *Flow) Adopt(frags []*Flow) {
	f.members.Lock()
	f.constituents = append(f.constituents[:0], frags...)
	f.members.Unlock()

	for _, frag := range frags {
		frag.members.Lock()
		frag.owner = f
		frag.members.Unlock()
	}
}

// Release detaches and returns the constituents.
func (f *Flow) Release() []*Flow {
	f.members.Lock()
	frags := f.constituents
	f.constituents = nil
	f.members.Unlock()

	for _, frag := range frags {
		frag.members.Lock()
		frag.owner = nil
		frag.members.Unlock()
	}
	return frags
}

// Constituents returns the fragments a consolidated flow was built from.
func (f *Flow) Constituents() []*Flow {
	f.members.Lock()
	defer f.members.Unlock()
	return append([]*Flow(nil), f.constituents...)
}

// Owner returns the consolidated flow that absorbed this fragment.
func (f *Flow) Owner() *Flow {
	f.members.Lock()
	defer f.members.Unlock()
	return f.owner
}
