// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package offload

import "grimm.is/flyoffload/internal/errors"

var (
	// ErrNotReady means a resource was attached but its hardware programming
	// is deferred. Flows that see it are parked, not failed.
	ErrNotReady = errors.New(errors.KindNotReady, "resource not ready")

	// ErrExists is returned when a cookie or microflow path is already present.
	ErrExists = errors.New(errors.KindConflict, "already exists")

	// ErrNotFound is returned for unknown cookies, tuples and cache keys.
	ErrNotFound = errors.New(errors.KindNotFound, "not found")

	// ErrFull is returned when a microflow would exceed its fragment bound.
	ErrFull = errors.New(errors.KindExhausted, "microflow fragment limit reached")

	// ErrPoisoned is returned by every accumulator operation after poisoning.
	ErrPoisoned = errors.New(errors.KindUnsupported, "microflow poisoned")

	// ErrUnsupported marks packet shapes and rules the offload path cannot express.
	ErrUnsupported = errors.New(errors.KindUnsupported, "not supported")

	// ErrFanOut is returned when merged destinations exceed the hardware fan-out.
	ErrFanOut = errors.New(errors.KindExhausted, "forward destination limit exceeded")

	// ErrRewriteLimit is returned when a merged rewrite program is too long.
	ErrRewriteLimit = errors.New(errors.KindExhausted, "header rewrite action limit exceeded")

	// ErrMatchConflict is returned when fragments require different values on
	// the same match bits.
	ErrMatchConflict = errors.New(errors.KindConflict, "conflicting match bits")

	// ErrTornDown is returned when work races with a flow's teardown.
	ErrTornDown = errors.New(errors.KindConflict, "flow torn down")
)

// IsNotReady reports whether err is (or wraps) ErrNotReady.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}
