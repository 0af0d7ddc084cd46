package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultServerConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.EqualValues(t, 15000, cfg.UnhealthyThresholdMS)
	assert.EqualValues(t, 30000, cfg.EvictionThresholdMS)
	assert.EqualValues(t, 5000, cfg.SweepIntervalMS)
	assert.EqualValues(t, 500, cfg.CoalesceWindowMS)
}

func TestLoadServerConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultServerConfig(), cfg)
}

func TestLoadServerConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	body := "node_id: node-7\nhttp_addr: \":18848\"\npeers:\n  - node_id: node-2\n    addr: 127.0.0.1:9848\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "node-7", cfg.NodeID)
	assert.Equal(t, ":18848", cfg.HTTPAddr)
	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, "node-2", cfg.Peers[0].NodeID)
	assert.EqualValues(t, 15000, cfg.UnhealthyThresholdMS, "unset fields keep their default")
}

func TestSweepIntervalAndCoalesceWindowConversions(t *testing.T) {
	cfg := ServerConfig{SweepIntervalMS: 2500, CoalesceWindowMS: 750}
	assert.Equal(t, int64(2500*1e6), cfg.SweepInterval().Nanoseconds())
	assert.Equal(t, int64(750*1e6), cfg.CoalesceWindow().Nanoseconds())
}
