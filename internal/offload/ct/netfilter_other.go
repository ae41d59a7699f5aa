// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package ct

import (
	"context"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/logging"
	"grimm.is/flyoffload/internal/offload"
)

// NetfilterTracker is unavailable on this platform (Stub).
type NetfilterTracker struct{}

func NewNetfilterTracker(logger *logging.Logger) (*NetfilterTracker, error) {
	return nil, errors.Wrap(offload.ErrUnsupported, errors.KindUnsupported, "conntrack requires linux")
}

func (t *NetfilterTracker) Register(ctx context.Context, ct offload.CTTuple, cookie offload.Cookie) error {
	return nil
}

func (t *NetfilterTracker) Unregister(ctx context.Context, ct offload.CTTuple) error {
	return nil
}

func (t *NetfilterTracker) Stats(ctx context.Context, ct offload.CTTuple) (offload.Counters, error) {
	return offload.Counters{}, errors.Wrap(offload.ErrUnsupported, errors.KindUnsupported, "conntrack requires linux")
}

func (t *NetfilterTracker) Close() error { return nil }

// Listener is unavailable on this platform (Stub).
type Listener struct{}

func NewListener(logger *logging.Logger, workers uint8) *Listener {
	return &Listener{}
}

func (l *Listener) Run(ctx context.Context, fn DestroyFunc) error {
	<-ctx.Done()
	return nil
}
