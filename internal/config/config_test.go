// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/logging"
	"grimm.is/flyoffload/internal/offload"
	"grimm.is/flyoffload/internal/offload/engine"
)

func TestLoad(t *testing.T) {
	src := `
# Offload daemon on the lab host
log_level      = "debug"
log_json       = true
metrics_listen = "127.0.0.1:9464"

offload {
  workers            = 8
  slots              = 32
  vxlan_ports        = [4789, 8472]
  keepalive_interval = "2s"
  pending_timeout    = "0s"
  ct_events          = false
  flow_map_pin       = "/sys/fs/bpf/flyoffload/flows"
}

device {
  max_forward_dests = 4
  match_ip_version  = false
}
`
	cfg, err := Load("offloadd.hcl", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9464", cfg.MetricsListen)
	assert.False(t, *cfg.Offload.CTEvents)
	assert.Equal(t, "/sys/fs/bpf/flyoffload/flows", cfg.Offload.FlowMapPin)

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, 8, ec.Workers)
	assert.Equal(t, 32, ec.Slots)
	assert.Equal(t, engine.DefaultConfig().MaxFragments, ec.MaxFragments)
	assert.Equal(t, []uint16{4789, 8472}, ec.VXLANPorts)
	assert.Equal(t, 2*time.Second, ec.KeepaliveInterval)
	assert.Zero(t, ec.PendingTimeout)
	assert.Equal(t, 50*time.Millisecond, ec.RetryBaseDelay)

	caps := cfg.SimConfig().Capabilities
	assert.Equal(t, 4, caps.MaxForwardDests)
	assert.Equal(t, 16, caps.MaxRewriteActions[offload.DomainSwitch])
	assert.False(t, caps.MatchIPVersion)

	lc := cfg.LoggingConfig()
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.True(t, lc.JSON)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultConfig(), ec)
	assert.True(t, *cfg.Device.Simulated)
	assert.True(t, *cfg.Offload.CTEvents)

	empty, err := Load("empty.hcl", nil)
	require.NoError(t, err)
	assert.Equal(t, cfg, empty)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind errors.Kind
	}{
		{"syntax", `offload {`, errors.KindValidation},
		{"unknown attribute", `bogus = 1`, errors.KindValidation},
		{"log level", `log_level = "loud"`, errors.KindValidation},
		{"duration", `offload { keepalive_interval = "soon" }`, errors.KindValidation},
		{"port", `offload { vxlan_ports = [70000] }`, errors.KindValidation},
		{"zero port", `offload { vxlan_ports = [0] }`, errors.KindValidation},
		{"fragments", `offload { max_fragments = 12 }`, errors.KindValidation},
		{"retry order", `offload {
  retry_base_delay = "1s"
  retry_max_delay  = "10ms"
}`, errors.KindValidation},
		{"fan-out", `device { max_forward_dests = -1 }`, errors.KindValidation},
		{"hardware", `device { simulated = false }`, errors.KindUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("bad.hcl", []byte(tt.src))
			require.Error(t, err)
			assert.Equal(t, tt.kind, errors.GetKind(err), "%v", err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offloadd.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`offload { workers = 2 }`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Offload.Workers)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
}
