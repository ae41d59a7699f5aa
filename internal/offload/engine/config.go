// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"slices"
	"time"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload/microflow"
)

// Config holds engine configuration
type Config struct {
	// Workers is the number of background job workers.
	Workers int `json:"workers"`
	// Slots is the number of packet-processing accumulator slots.
	Slots int `json:"slots"`
	// MaxFragments bounds the hops of one microflow.
	MaxFragments int `json:"max_fragments"`
	// VXLANPorts are the UDP ports encapsulation may target.
	VXLANPorts []uint16 `json:"vxlan_ports"`

	RetryBaseDelay time.Duration `json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay"`
	MaxRetries     int           `json:"max_retries"`

	// KeepaliveInterval is how often neighbors in use are probed.
	KeepaliveInterval time.Duration `json:"keepalive_interval"`
	// PendingTimeout ages out consolidated flows stuck waiting for a
	// resource. Zero leaves them to connection teardown.
	PendingTimeout time.Duration `json:"pending_timeout"`
}

// DefaultConfig returns default engine configuration
func DefaultConfig() *Config {
	return &Config{
		Workers:           4,
		Slots:             16,
		MaxFragments:      microflow.MaxFragments,
		VXLANPorts:        []uint16{4789},
		RetryBaseDelay:    50 * time.Millisecond,
		RetryMaxDelay:     10 * time.Second,
		MaxRetries:        5,
		KeepaliveInterval: 5 * time.Second,
		PendingTimeout:    2 * time.Minute,
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return errors.Errorf(errors.KindValidation, "workers must be at least 1, got %d", c.Workers)
	}
	if c.Slots < 1 {
		return errors.Errorf(errors.KindValidation, "slots must be at least 1, got %d", c.Slots)
	}
	if c.MaxFragments < 2 || c.MaxFragments > microflow.MaxFragments {
		return errors.Errorf(errors.KindValidation, "max_fragments must be in [2,%d], got %d",
			microflow.MaxFragments, c.MaxFragments)
	}
	if slices.Contains(c.VXLANPorts, 0) {
		return errors.New(errors.KindValidation, "vxlan port 0 is not valid")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return errors.Errorf(errors.KindValidation, "retry delays %s..%s are not valid", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.KeepaliveInterval <= 0 {
		return errors.New(errors.KindValidation, "keepalive_interval must be positive")
	}
	return nil
}

func (c *Config) isVXLANPort(port uint16) bool {
	return slices.Contains(c.VXLANPorts, port)
}
