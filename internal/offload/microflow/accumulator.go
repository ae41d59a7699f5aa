// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package microflow gathers the chain of flow fragments a single packet hits
// while it is classified, so they can later be merged into one rule.
//
// Accumulators live in Slots, one per packet-processing worker. A slot is
// owned by exactly one worker and is not safe for concurrent use.
package microflow

import (
	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload"
	"grimm.is/flyoffload/internal/offload/flow"
)

// MaxFragments bounds the hops recorded for one packet.
const MaxFragments = 8

// Hop is one recorded fragment.
type Hop struct {
	Cookie offload.Cookie
	Flow   *flow.Flow
}

// Path is the cookie sequence of a microflow. Unused entries are zero.
type Path [MaxFragments]offload.Cookie

// Microflow is a finalized chain ready to be merged.
type Microflow struct {
	Correlation uint64
	Tuple       offload.Tuple
	Hops        []Hop
}

// Path returns the cookie sequence of m.
func (m *Microflow) Path() Path {
	var p Path
	for i, h := range m.Hops {
		p[i] = h.Cookie
	}
	return p
}

// Accumulator records the fragments of one in-flight packet.
type Accumulator struct {
	limit int

	active      bool
	correlation uint64
	tuple       offload.Tuple
	hasTuple    bool
	hops        [MaxFragments]Hop
	n           int
	poisoned    bool
}

// Begin binds the accumulator to the packet identified by correlation. State
// left by a different packet, or any state when the hop is on chain 0, is
// discarded first.
func (a *Accumulator) Begin(correlation uint64, chain uint32) {
	if a.active && a.correlation == correlation && chain != 0 {
		return
	}
	a.Reset()
	a.active = true
	a.correlation = correlation
}

// Reset drops all accumulated state.
func (a *Accumulator) Reset() {
	limit := a.limit
	*a = Accumulator{limit: limit}
}

// Len returns the number of recorded hops.
func (a *Accumulator) Len() int { return a.n }

// Poisoned reports whether accumulation was abandoned for this packet.
func (a *Accumulator) Poisoned() bool { return a.poisoned }

// Poison abandons accumulation for the current packet.
func (a *Accumulator) Poison() {
	a.poisoned = true
	a.hops = [MaxFragments]Hop{}
	a.n = 0
}

// HasTuple reports whether the packet tuple was extracted.
func (a *Accumulator) HasTuple() bool { return a.hasTuple }

// RecordFragment appends a hop. A nil flow means the cookie is unknown and
// poisons the accumulator, as does exceeding the fragment bound.
func (a *Accumulator) RecordFragment(cookie offload.Cookie, f *flow.Flow) error {
	if a.poisoned {
		return offload.ErrPoisoned
	}
	if f == nil {
		a.Poison()
		return errors.Attr(errors.Wrapf(offload.ErrNotFound, errors.KindNotFound,
			"fragment cookie %s", cookie), "cookie", cookie)
	}
	if a.n >= a.max() {
		a.Poison()
		return errors.Wrapf(offload.ErrFull, errors.KindExhausted, "more than %d fragments", a.max())
	}
	a.hops[a.n] = Hop{Cookie: cookie, Flow: f}
	a.n++
	return nil
}

// RecordCT appends a hop for a tracked connection that has no flow yet. The
// fragment flow is created here and returned.
func (a *Accumulator) RecordCT(cookie offload.Cookie, dir offload.Direction, ct offload.CTTuple) (*flow.Flow, error) {
	if a.poisoned {
		return nil, offload.ErrPoisoned
	}
	f := flow.NewCT(cookie, dir, ct)
	if err := a.RecordFragment(cookie, f); err != nil {
		return nil, err
	}
	return f, nil
}

// ExtractTuple parses the packet tuple. Unsupported packets poison the
// accumulator.
func (a *Accumulator) ExtractTuple(data []byte) (offload.Tuple, error) {
	if a.poisoned {
		return offload.Tuple{}, offload.ErrPoisoned
	}
	t, err := ParseTuple(data)
	if err != nil {
		a.Poison()
		return offload.Tuple{}, err
	}
	a.tuple = t
	a.hasTuple = true
	return t, nil
}

// Finalize hands over the accumulated chain and detaches the accumulator
// from the packet. It returns nil with no error when nothing was recorded.
func (a *Accumulator) Finalize() (*Microflow, error) {
	defer a.Reset()

	if a.poisoned {
		return nil, offload.ErrPoisoned
	}
	if a.n == 0 {
		return nil, nil
	}
	if !a.hasTuple {
		return nil, errors.Wrap(offload.ErrUnsupported, errors.KindUnsupported, "microflow without tuple")
	}
	mf := &Microflow{
		Correlation: a.correlation,
		Tuple:       a.tuple,
		Hops:        make([]Hop, a.n),
	}
	copy(mf.Hops, a.hops[:a.n])
	return mf, nil
}

func (a *Accumulator) max() int {
	if a.limit <= 0 || a.limit > MaxFragments {
		return MaxFragments
	}
	return a.limit
}

// Slots is an indexed array of accumulators, one per worker.
type Slots struct {
	accs []Accumulator
}

// NewSlots creates n accumulators bounded to limit fragments each. A limit
// of zero or above MaxFragments means MaxFragments.
func NewSlots(n, limit int) *Slots {
	if n <= 0 {
		n = 1
	}
	s := &Slots{accs: make([]Accumulator, n)}
	for i := range s.accs {
		s.accs[i].limit = limit
	}
	return s
}

// Len returns the number of slots.
func (s *Slots) Len() int { return len(s.accs) }

// Slot returns the accumulator of worker i.
func (s *Slots) Slot(i int) (*Accumulator, error) {
	if i < 0 || i >= len(s.accs) {
		return nil, errors.Errorf(errors.KindValidation, "accumulator slot %d out of range [0,%d)", i, len(s.accs))
	}
	return &s.accs[i], nil
}
