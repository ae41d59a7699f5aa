// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the offload daemon's HCL configuration.
package config

import (
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/logging"
	"grimm.is/flyoffload/internal/offload"
	"grimm.is/flyoffload/internal/offload/engine"
	"grimm.is/flyoffload/internal/offload/hw"
)

// Config is the top-level daemon configuration.
type Config struct {
	// Log level: debug, info, warn or error
	// @default: "info"
	LogLevel string `hcl:"log_level,optional" json:"log_level"`

	// Emit JSON log lines instead of text
	// @default: false
	LogJSON bool `hcl:"log_json,optional" json:"log_json"`

	// Address the Prometheus endpoint listens on; empty disables it
	// @default: ":9464"
	MetricsListen string `hcl:"metrics_listen,optional" json:"metrics_listen"`

	Offload *OffloadConfig `hcl:"offload,block" json:"offload,omitempty"`
	Device  *DeviceConfig  `hcl:"device,block" json:"device,omitempty"`
}

// OffloadConfig tunes the merge engine.
type OffloadConfig struct {
	// Background merge and reconcile workers
	// @default: 4
	Workers int `hcl:"workers,optional" json:"workers"`

	// Accumulator slots, one per packet worker
	// @default: 16
	Slots int `hcl:"slots,optional" json:"slots"`

	// Rule hops recorded per packet before the microflow is dropped
	// @default: 8
	MaxFragments int `hcl:"max_fragments,optional" json:"max_fragments"`

	// UDP destination ports treated as VXLAN
	// @default: [4789]
	VXLANPorts []int `hcl:"vxlan_ports,optional" json:"vxlan_ports"`

	// @default: "50ms"
	RetryBaseDelay string `hcl:"retry_base_delay,optional" json:"retry_base_delay"`

	// @default: "10s"
	RetryMaxDelay string `hcl:"retry_max_delay,optional" json:"retry_max_delay"`

	// @default: 5
	MaxRetries int `hcl:"max_retries,optional" json:"max_retries"`

	// How often used tunnel neighbors are probed
	// @default: "5s"
	KeepaliveInterval string `hcl:"keepalive_interval,optional" json:"keepalive_interval"`

	// Consolidated flows pending longer than this are dropped; "0s" keeps them
	// @default: "2m"
	PendingTimeout string `hcl:"pending_timeout,optional" json:"pending_timeout"`

	// Tear down consolidated flows when conntrack destroys their connection
	// @default: true
	CTEvents *bool `hcl:"ct_events,optional" json:"ct_events,omitempty"`

	// Pin path of the eBPF flow map mirroring consolidated flows; empty disables it
	FlowMapPin string `hcl:"flow_map_pin,optional" json:"flow_map_pin,omitempty"`
}

// DeviceConfig describes the offload device's limits.
type DeviceConfig struct {
	// Use the in-memory simulated device
	// @default: true
	Simulated *bool `hcl:"simulated,optional" json:"simulated,omitempty"`

	// Forward destinations per rule
	// @default: 2
	MaxForwardDests int `hcl:"max_forward_dests,optional" json:"max_forward_dests"`

	// Header rewrite actions per rule
	// @default: 16
	MaxRewriteActions int `hcl:"max_rewrite_actions,optional" json:"max_rewrite_actions"`

	// Match on ip_version instead of ethertype
	// @default: true
	MatchIPVersion *bool `hcl:"match_ip_version,optional" json:"match_ip_version,omitempty"`

	// Queues per hairpin pair
	// @default: 4
	HairpinChannels int `hcl:"hairpin_channels,optional" json:"hairpin_channels"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadFile reads and validates an HCL configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to read config file")
	}
	return Load(path, data)
}

// Load decodes and validates HCL configuration. filename is used in
// diagnostics and must end in .hcl.
func Load(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to decode config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Offload == nil {
		c.Offload = &OffloadConfig{}
	}
	if c.Device == nil {
		c.Device = &DeviceConfig{}
	}

	def := engine.DefaultConfig()
	o := c.Offload
	if o.Workers == 0 {
		o.Workers = def.Workers
	}
	if o.Slots == 0 {
		o.Slots = def.Slots
	}
	if o.MaxFragments == 0 {
		o.MaxFragments = def.MaxFragments
	}
	if o.VXLANPorts == nil {
		for _, p := range def.VXLANPorts {
			o.VXLANPorts = append(o.VXLANPorts, int(p))
		}
	}
	if o.RetryBaseDelay == "" {
		o.RetryBaseDelay = def.RetryBaseDelay.String()
	}
	if o.RetryMaxDelay == "" {
		o.RetryMaxDelay = def.RetryMaxDelay.String()
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.KeepaliveInterval == "" {
		o.KeepaliveInterval = def.KeepaliveInterval.String()
	}
	if o.PendingTimeout == "" {
		o.PendingTimeout = def.PendingTimeout.String()
	}
	if o.CTEvents == nil {
		o.CTEvents = boolPtr(true)
	}

	sim := hw.DefaultSimConfig().Capabilities
	d := c.Device
	if d.Simulated == nil {
		d.Simulated = boolPtr(true)
	}
	if d.MaxForwardDests == 0 {
		d.MaxForwardDests = sim.MaxForwardDests
	}
	if d.MaxRewriteActions == 0 {
		d.MaxRewriteActions = sim.MaxRewriteActions[offload.DomainSwitch]
	}
	if d.MatchIPVersion == nil {
		d.MatchIPVersion = boolPtr(sim.MatchIPVersion)
	}
	if d.HairpinChannels == 0 {
		d.HairpinChannels = sim.Channels
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Errorf(errors.KindValidation, "log_level %q is not valid", c.LogLevel)
	}
	if _, err := c.EngineConfig(); err != nil {
		return err
	}

	d := c.Device
	if !*d.Simulated {
		return errors.New(errors.KindUnsupported, "device.simulated = false: no hardware driver is built in")
	}
	if d.MaxForwardDests < 1 {
		return errors.Errorf(errors.KindValidation, "device.max_forward_dests must be positive, got %d", d.MaxForwardDests)
	}
	if d.MaxRewriteActions < 1 {
		return errors.Errorf(errors.KindValidation, "device.max_rewrite_actions must be positive, got %d", d.MaxRewriteActions)
	}
	if d.HairpinChannels < 1 {
		return errors.Errorf(errors.KindValidation, "device.hairpin_channels must be positive, got %d", d.HairpinChannels)
	}
	return nil
}

// EngineConfig converts the offload block into an engine configuration.
func (c *Config) EngineConfig() (*engine.Config, error) {
	o := c.Offload
	ec := &engine.Config{
		Workers:      o.Workers,
		Slots:        o.Slots,
		MaxFragments: o.MaxFragments,
		MaxRetries:   o.MaxRetries,
	}
	for _, p := range o.VXLANPorts {
		if p <= 0 || p > 0xffff {
			return nil, errors.Errorf(errors.KindValidation, "offload.vxlan_ports: %d is not a port", p)
		}
		ec.VXLANPorts = append(ec.VXLANPorts, uint16(p))
	}

	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"retry_base_delay", o.RetryBaseDelay, &ec.RetryBaseDelay},
		{"retry_max_delay", o.RetryMaxDelay, &ec.RetryMaxDelay},
		{"keepalive_interval", o.KeepaliveInterval, &ec.KeepaliveInterval},
		{"pending_timeout", o.PendingTimeout, &ec.PendingTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "offload.%s", d.name)
		}
		*d.out = v
	}

	if err := ec.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "offload")
	}
	return ec, nil
}

// SimConfig returns the simulated device configuration.
func (c *Config) SimConfig() *hw.SimConfig {
	d := c.Device
	return &hw.SimConfig{
		Capabilities: hw.Capabilities{
			MaxForwardDests: d.MaxForwardDests,
			MaxRewriteActions: map[offload.Domain]int{
				offload.DomainSwitch: d.MaxRewriteActions,
				offload.DomainNIC:    d.MaxRewriteActions,
			},
			MatchIPVersion: *d.MatchIPVersion,
			Channels:       d.HairpinChannels,
		},
	}
}

// LoggingConfig returns the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.LogLevel)
	cfg.JSON = c.LogJSON
	return cfg
}

func boolPtr(b bool) *bool { return &b }
