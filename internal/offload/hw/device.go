// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hw defines the hardware services the offload engine consumes:
// resource allocators for shared artifacts and the rule installer.
package hw

import (
	"context"

	"grimm.is/flyoffload/internal/offload"
	"grimm.is/flyoffload/internal/offload/match"
)

// ModHdrID is a programmed header-rewrite program.
type ModHdrID uint32

// EncapID is a programmed encapsulation header.
type EncapID uint32

// RuleHandle identifies an installed hardware rule. Zero means no rule.
type RuleHandle uint64

// Hairpin is a programmed hairpin path.
type Hairpin struct {
	ID uint32
	// RSS is set when traffic is spread over an RSS flow table instead of a
	// single receive queue.
	RSS bool
}

// Capabilities describes the limits of a device.
type Capabilities struct {
	// MaxForwardDests is the fan-out limit of a single rule.
	MaxForwardDests int `json:"max_forward_dests"`
	// MaxRewriteActions is the longest header-rewrite program per domain.
	MaxRewriteActions map[offload.Domain]int `json:"max_rewrite_actions"`
	// MatchIPVersion is set when tables can match ip_version directly.
	MatchIPVersion bool `json:"match_ip_version"`
	// Channels is the receive channel count used to size hairpin paths.
	Channels int `json:"channels"`
}

// VLAN describes a VLAN push action.
type VLAN struct {
	ID    uint16
	Prio  uint8
	Proto uint16
}

// RuleSpec is everything the installer needs to program one rule.
type RuleSpec struct {
	Domain offload.Domain
	Chain  uint32
	Prio   uint16

	Match  match.Spec
	Action offload.Action
	Dests  []offload.Port

	// Split marks the first half of a mirrored rule: it forwards to Dests
	// and hands the packet on to the second rule.
	Split bool

	ModHdr  ModHdrID
	Encap   EncapID
	VLAN    []VLAN
	Hairpin *Hairpin
	FlowTag uint32
}

// ModifyHeaderAllocator programs header-rewrite programs.
type ModifyHeaderAllocator interface {
	AllocModifyHeader(ctx context.Context, domain offload.Domain, actions []byte) (ModHdrID, error)
	FreeModifyHeader(ctx context.Context, id ModHdrID) error
}

// EncapAllocator programs encapsulation headers.
type EncapAllocator interface {
	AllocEncap(ctx context.Context, header []byte) (EncapID, error)
	FreeEncap(ctx context.Context, id EncapID) error
}

// HairpinAllocator programs hairpin paths to a peer device.
type HairpinAllocator interface {
	AllocHairpin(ctx context.Context, peer uint16, prio uint8, channels int) (Hairpin, error)
	FreeHairpin(ctx context.Context, h Hairpin) error
}

// RuleInstaller installs rules and reads their counters.
type RuleInstaller interface {
	AddRule(ctx context.Context, spec *RuleSpec) (RuleHandle, error)
	DelRule(ctx context.Context, h RuleHandle) error
	QueryCounter(ctx context.Context, h RuleHandle) (offload.Counters, error)
}

// Device is a complete offload device.
type Device interface {
	ModifyHeaderAllocator
	EncapAllocator
	HairpinAllocator
	RuleInstaller

	Capabilities() Capabilities
}
