// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hw

import (
	"encoding/binary"

	"github.com/cilium/ebpf"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/logging"
	"grimm.is/flyoffload/internal/offload"
)

// FlowMapKey is the eBPF map key of a mirrored connection. Addresses are in
// host byte order.
type FlowMapKey struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
	IPProto uint8
	_       [3]uint8
}

// FlowMapValue is the eBPF map value of a mirrored connection.
type FlowMapValue struct {
	Cookie uint64
	Action uint32
	Flags  uint32
}

// Flow map value flags.
const (
	FlowMapOffloaded uint32 = 1 << 0
	FlowMapPending   uint32 = 1 << 1
)

// NewFlowMapKey converts a tuple to its map key.
func NewFlowMapKey(t offload.Tuple) FlowMapKey {
	src, dst := t.Src.As4(), t.Dst.As4()
	return FlowMapKey{
		SrcIP:   binary.BigEndian.Uint32(src[:]),
		DstIP:   binary.BigEndian.Uint32(dst[:]),
		SrcPort: t.SrcPort,
		DstPort: t.DstPort,
		IPProto: t.Proto,
	}
}

// flowMap is the subset of *ebpf.Map the mirror uses.
type flowMap interface {
	Update(key, value interface{}, flags ebpf.MapUpdateFlags) error
	Delete(key interface{}) error
	Close() error
}

// FlowMirror publishes consolidated connections into a pinned eBPF hash map
// so a software fast path can see which connections the hardware owns.
type FlowMirror struct {
	m      flowMap
	logger *logging.Logger
}

// OpenFlowMirror loads the pinned map at path.
func OpenFlowMirror(path string, logger *logging.Logger) (*FlowMirror, error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "load pinned flow map %s", path)
	}
	return newFlowMirror(m, logger), nil
}

func newFlowMirror(m flowMap, logger *logging.Logger) *FlowMirror {
	if logger == nil {
		logger = logging.Discard()
	}
	return &FlowMirror{m: m, logger: logger.WithComponent("flowmap")}
}

// Publish records the connection as owned by cookie.
func (fm *FlowMirror) Publish(t offload.Tuple, cookie offload.Cookie, action offload.Action, pending bool) error {
	key := NewFlowMapKey(t)
	val := FlowMapValue{Cookie: uint64(cookie), Action: uint32(action), Flags: FlowMapOffloaded}
	if pending {
		val.Flags = FlowMapPending
	}
	if err := fm.m.Update(&key, &val, ebpf.UpdateAny); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "update flow map for %s", t)
	}
	fm.logger.Debug("published connection", "tuple", t, "cookie", cookie, "pending", pending)
	return nil
}

// Withdraw removes the connection. A missing entry is not an error.
func (fm *FlowMirror) Withdraw(t offload.Tuple) error {
	key := NewFlowMapKey(t)
	if err := fm.m.Delete(&key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return errors.Wrapf(err, errors.KindInternal, "delete flow map entry for %s", t)
	}
	return nil
}

// Close releases the map file descriptor.
func (fm *FlowMirror) Close() error {
	return fm.m.Close()
}
