package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/treecast/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "time", cfg.Search.Policy)
	assert.Equal(t, 20, cfg.Search.MaxHops)
	assert.Equal(t, 5, cfg.Search.MaxFanout)
	assert.Equal(t, 50, cfg.Search.LossThreshold)
	assert.Equal(t, "piggyback", cfg.Refresh.Strategy)
	assert.Equal(t, 25, cfg.Refresh.BatchSize)
	assert.Equal(t, time.Second, cfg.Refresh.Period)
	assert.Equal(t, "always", cfg.Refresh.Staleness)
	assert.Equal(t, 100*time.Millisecond, cfg.Schedule.RefreshTick)
	assert.Equal(t, 1024, cfg.Loop.QueueSize)
	assert.Nil(t, cfg.Coordinate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  id: 10.0.0.5:7400
  token: 4000000000
  coordinate:
    values: [1.5, 2.5]
    stable: true
search:
  policy: combined
  fastConvergence: true
refresh:
  strategy: single
  staleness: compare
  period: 250ms
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:7400", cfg.Node.ID)
	assert.Equal(t, uint32(4000000000), cfg.Node.Token)
	assert.Equal(t, "combined", cfg.Search.Policy)
	assert.True(t, cfg.Search.FastConvergence)
	assert.Equal(t, "single", cfg.Refresh.Strategy)
	assert.Equal(t, 250*time.Millisecond, cfg.Refresh.Period)
	// untouched keys keep their defaults
	assert.Equal(t, 5, cfg.Search.MaxFanout)

	c := cfg.Coordinate()
	require.NotNil(t, c)
	assert.Equal(t, []float64{1.5, 2.5}, c.Values)
	assert.True(t, c.Stable)
}

func TestLoadRejectsUnknownNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
search:
  policy: fastest
refresh:
  strategy: bulk
`), 0o600))

	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fastest")
	assert.Contains(t, err.Error(), "bulk")
}

func TestValidateRanges(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Search.LossThreshold = 101
	cfg.Schedule.RefreshTick = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lossThreshold")
	assert.Contains(t, err.Error(), "schedule")

	cfg, err = config.Load("")
	require.NoError(t, err)
	cfg.Search.LossThreshold = 0
	assert.ErrorContains(t, cfg.Validate(), "lossThreshold")
}
