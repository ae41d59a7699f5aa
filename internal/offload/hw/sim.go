// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hw

import (
	"context"
	"sync"
	"time"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/logging"
	"grimm.is/flyoffload/internal/offload"
)

// Op names a simulated device operation for call accounting and fault
// injection.
type Op string

const (
	OpAllocModHdr  Op = "alloc_mod_hdr"
	OpFreeModHdr   Op = "free_mod_hdr"
	OpAllocEncap   Op = "alloc_encap"
	OpFreeEncap    Op = "free_encap"
	OpAllocHairpin Op = "alloc_hairpin"
	OpFreeHairpin  Op = "free_hairpin"
	OpAddRule      Op = "add_rule"
	OpDelRule      Op = "del_rule"
	OpQuery        Op = "query_counter"
)

func (o Op) acquires() bool {
	switch o {
	case OpAllocModHdr, OpAllocEncap, OpAllocHairpin, OpAddRule:
		return true
	}
	return false
}

// SimConfig configures a simulated device.
type SimConfig struct {
	Capabilities Capabilities
}

// DefaultSimConfig returns limits matching a typical switchdev NIC.
func DefaultSimConfig() *SimConfig {
	return &SimConfig{
		Capabilities: Capabilities{
			MaxForwardDests: 2,
			MaxRewriteActions: map[offload.Domain]int{
				offload.DomainNIC:    16,
				offload.DomainSwitch: 16,
			},
			MatchIPVersion: true,
			Channels:       4,
		},
	}
}

// SimRule is an installed simulated rule.
type SimRule struct {
	Handle   RuleHandle
	Spec     RuleSpec
	Counters offload.Counters
}

// Live counts the resources currently held by a simulated device.
type Live struct {
	ModHdrs  int
	Encaps   int
	Hairpins int
	Rules    int
}

// Zero reports whether nothing is held.
func (l Live) Zero() bool { return l == Live{} }

type fault struct {
	op  Op
	n   int
	err error
}

// SimDevice is an in-memory Device with call accounting and fault
// injection. It backs tests and the daemon's simulated mode.
type SimDevice struct {
	config *SimConfig
	logger *logging.Logger

	mutex    sync.Mutex
	next     uint64
	modHdrs  map[ModHdrID][]byte
	encaps   map[EncapID][]byte
	hairpins map[uint32]Hairpin
	rules    map[RuleHandle]*SimRule
	calls    map[Op]int
	acquired int
	faults   []fault
}

// NewSimDevice creates a simulated device.
func NewSimDevice(logger *logging.Logger, config *SimConfig) *SimDevice {
	if config == nil {
		config = DefaultSimConfig()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &SimDevice{
		config:   config,
		logger:   logger.WithComponent("hw-sim"),
		next:     1000,
		modHdrs:  make(map[ModHdrID][]byte),
		encaps:   make(map[EncapID][]byte),
		hairpins: make(map[uint32]Hairpin),
		rules:    make(map[RuleHandle]*SimRule),
		calls:    make(map[Op]int),
	}
}

// FailNext makes the n-th next call of op (1 = the very next) return err.
func (d *SimDevice) FailNext(op Op, n int, err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.faults = append(d.faults, fault{op: op, n: d.calls[op] + n, err: err})
}

// FailAcquire makes the n-th next resource-acquiring call (any allocation
// or rule add) return err.
func (d *SimDevice) FailAcquire(n int, err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.faults = append(d.faults, fault{n: d.acquired + n, err: err})
}

// Calls returns how many times op was invoked.
func (d *SimDevice) Calls(op Op) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.calls[op]
}

// Acquired returns how many resource-acquiring calls were made.
func (d *SimDevice) Acquired() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.acquired
}

// Live returns the resources currently held.
func (d *SimDevice) Live() Live {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return Live{
		ModHdrs:  len(d.modHdrs),
		Encaps:   len(d.encaps),
		Hairpins: len(d.hairpins),
		Rules:    len(d.rules),
	}
}

// Rules returns copies of all installed rules.
func (d *SimDevice) Rules() []SimRule {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	out := make([]SimRule, 0, len(d.rules))
	for _, r := range d.rules {
		out = append(out, *r)
	}
	return out
}

// Rule returns a copy of one installed rule.
func (d *SimDevice) Rule(h RuleHandle) (SimRule, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	r, ok := d.rules[h]
	if !ok {
		return SimRule{}, false
	}
	return *r, true
}

// EncapHeader returns the bytes of a programmed encap header.
func (d *SimDevice) EncapHeader(id EncapID) ([]byte, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	hdr, ok := d.encaps[id]
	return hdr, ok
}

// Hit accounts traffic against an installed rule.
func (d *SimDevice) Hit(h RuleHandle, packets, bytes uint64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if r, ok := d.rules[h]; ok {
		r.Counters.Packets += packets
		r.Counters.Bytes += bytes
		r.Counters.LastUsed = time.Now()
	}
}

// call accounts one invocation and returns an injected fault, if any. Must
// be called with d.mutex held.
func (d *SimDevice) call(op Op) error {
	d.calls[op]++
	if op.acquires() {
		d.acquired++
	}
	for i, f := range d.faults {
		hit := (f.op == "" && op.acquires() && d.acquired == f.n) ||
			(f.op == op && d.calls[op] == f.n)
		if hit {
			d.faults = append(d.faults[:i], d.faults[i+1:]...)
			d.logger.Debug("injected fault", "op", op, "error", f.err)
			return f.err
		}
	}
	return nil
}

func (d *SimDevice) handle() uint64 {
	d.next++
	return d.next
}

func (d *SimDevice) Capabilities() Capabilities {
	return d.config.Capabilities
}

func (d *SimDevice) AllocModifyHeader(ctx context.Context, domain offload.Domain, actions []byte) (ModHdrID, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.call(OpAllocModHdr); err != nil {
		return 0, err
	}
	limit := d.config.Capabilities.MaxRewriteActions[domain]
	if limit > 0 && len(actions)/offload.RewriteActionSize > limit {
		return 0, errors.Wrapf(offload.ErrRewriteLimit, errors.KindExhausted,
			"%d actions exceeds %d", len(actions)/offload.RewriteActionSize, limit)
	}
	id := ModHdrID(d.handle())
	d.modHdrs[id] = append([]byte(nil), actions...)
	return id, nil
}

func (d *SimDevice) FreeModifyHeader(ctx context.Context, id ModHdrID) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.call(OpFreeModHdr); err != nil {
		return err
	}
	if _, ok := d.modHdrs[id]; !ok {
		return errors.Errorf(errors.KindNotFound, "mod header %d", id)
	}
	delete(d.modHdrs, id)
	return nil
}

func (d *SimDevice) AllocEncap(ctx context.Context, header []byte) (EncapID, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.call(OpAllocEncap); err != nil {
		return 0, err
	}
	id := EncapID(d.handle())
	d.encaps[id] = append([]byte(nil), header...)
	return id, nil
}

func (d *SimDevice) FreeEncap(ctx context.Context, id EncapID) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.call(OpFreeEncap); err != nil {
		return err
	}
	if _, ok := d.encaps[id]; !ok {
		return errors.Errorf(errors.KindNotFound, "encap %d", id)
	}
	delete(d.encaps, id)
	return nil
}

func (d *SimDevice) AllocHairpin(ctx context.Context, peer uint16, prio uint8, channels int) (Hairpin, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.call(OpAllocHairpin); err != nil {
		return Hairpin{}, err
	}
	h := Hairpin{ID: uint32(d.handle()), RSS: channels > 1}
	d.hairpins[h.ID] = h
	return h, nil
}

func (d *SimDevice) FreeHairpin(ctx context.Context, h Hairpin) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.call(OpFreeHairpin); err != nil {
		return err
	}
	if _, ok := d.hairpins[h.ID]; !ok {
		return errors.Errorf(errors.KindNotFound, "hairpin %d", h.ID)
	}
	delete(d.hairpins, h.ID)
	return nil
}

func (d *SimDevice) AddRule(ctx context.Context, spec *RuleSpec) (RuleHandle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.call(OpAddRule); err != nil {
		return 0, err
	}
	if limit := d.config.Capabilities.MaxForwardDests; limit > 0 && len(spec.Dests) > limit {
		return 0, errors.Wrapf(offload.ErrFanOut, errors.KindExhausted, "%d destinations", len(spec.Dests))
	}
	if spec.Action.Has(offload.ActionModHeader) {
		if _, ok := d.modHdrs[spec.ModHdr]; !ok {
			return 0, errors.Errorf(errors.KindValidation, "rule references unknown mod header %d", spec.ModHdr)
		}
	}
	if spec.Action.Has(offload.ActionEncap) && !spec.Split {
		if _, ok := d.encaps[spec.Encap]; !ok {
			return 0, errors.Errorf(errors.KindValidation, "rule references unknown encap %d", spec.Encap)
		}
	}

	h := RuleHandle(d.handle())
	cp := *spec
	cp.Dests = append([]offload.Port(nil), spec.Dests...)
	cp.VLAN = append([]VLAN(nil), spec.VLAN...)
	d.rules[h] = &SimRule{Handle: h, Spec: cp}
	d.logger.Debug("installed rule", "handle", h, "action", spec.Action, "domain", spec.Domain)
	return h, nil
}

func (d *SimDevice) DelRule(ctx context.Context, h RuleHandle) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.call(OpDelRule); err != nil {
		return err
	}
	if _, ok := d.rules[h]; !ok {
		return errors.Errorf(errors.KindNotFound, "rule %d", h)
	}
	delete(d.rules, h)
	return nil
}

func (d *SimDevice) QueryCounter(ctx context.Context, h RuleHandle) (offload.Counters, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.call(OpQuery); err != nil {
		return offload.Counters{}, err
	}
	r, ok := d.rules[h]
	if !ok {
		return offload.Counters{}, errors.Errorf(errors.KindNotFound, "rule %d", h)
	}
	return r.Counters, nil
}

var _ Device = (*SimDevice)(nil)
