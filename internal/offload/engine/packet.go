// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
	"grimm.is/flyoffload/internal/offload/microflow"
)

// HopRequest reports that a packet hit an offloaded rule on a chain.
type HopRequest struct {
	// Correlation identifies the packet being classified.
	Correlation uint64
	Chain       uint32
	Cookie      offload.Cookie
	// Last is set when the rule ends classification of the packet.
	Last bool
	// Packet is the frame, starting at the Ethernet header.
	Packet []byte
}

// CTRequest reports that a packet hit a tracked connection that has no
// offloaded rule yet.
type CTRequest struct {
	Correlation uint64
	Chain       uint32
	Cookie      offload.Cookie
	Direction   offload.Direction
	Conn        offload.CTTuple
	Last        bool
	Packet      []byte
}

// NumSlots returns the number of accumulator slots; packet workers use
// indexes in [0, NumSlots).
func (e *Engine) NumSlots() int {
	return e.slots.Len()
}

// ConfigureMicroflow records a rule hop for the packet processed by worker
// slot. When the last hop is recorded the microflow is queued for merging.
// It never blocks on hardware.
func (e *Engine) ConfigureMicroflow(slot int, req HopRequest) error {
	acc, err := e.slots.Slot(slot)
	if err != nil {
		return err
	}
	acc.Begin(req.Correlation, req.Chain)

	// A rule that both starts and ends classification needs no merge.
	if req.Chain == 0 && req.Last {
		acc.Reset()
		return nil
	}

	f, _ := e.store.Lookup(req.Cookie)
	return e.recordHop(acc, req.Last, req.Packet, func() error {
		return acc.RecordFragment(req.Cookie, f)
	})
}

// ConfigureCT records a connection-tracking hop for the packet processed by
// worker slot. The fragment flow for the connection is created here.
func (e *Engine) ConfigureCT(slot int, req CTRequest) error {
	acc, err := e.slots.Slot(slot)
	if err != nil {
		return err
	}
	acc.Begin(req.Correlation, req.Chain)

	return e.recordHop(acc, req.Last, req.Packet, func() error {
		_, err := acc.RecordCT(req.Cookie, req.Direction, req.Conn)
		return err
	})
}

func (e *Engine) recordHop(acc *microflow.Accumulator, last bool, packet []byte, record func() error) error {
	err := e.accumulate(acc, packet, record)
	if err != nil && !errors.Is(err, offload.ErrPoisoned) {
		e.metrics.Accumulator.WithLabelValues("poisoned").Inc()
	}
	if !last {
		return err
	}

	mf, ferr := acc.Finalize()
	if err != nil {
		return err
	}
	if ferr != nil {
		return ferr
	}
	if mf == nil {
		return nil
	}

	if _, err := e.submitMicroflow(mf); err != nil {
		if errors.Is(err, offload.ErrExists) {
			e.metrics.Accumulator.WithLabelValues("duplicate").Inc()
			return nil
		}
		return err
	}
	e.metrics.Accumulator.WithLabelValues("submitted").Inc()
	return nil
}

func (e *Engine) accumulate(acc *microflow.Accumulator, packet []byte, record func() error) error {
	if acc.Poisoned() {
		return offload.ErrPoisoned
	}
	if !acc.HasTuple() {
		if _, err := acc.ExtractTuple(packet); err != nil {
			return err
		}
	}
	return record()
}
