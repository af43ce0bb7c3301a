package local_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/treecast/internal/metadata"
	"github.com/iggydv12/treecast/internal/storage/local"
)

func setupPebble(t *testing.T, dir string) *local.PebbleStorage {
	t.Helper()
	s := local.NewPebbleStorage(dir+"/test-pebble", zap.NewNop())
	require.NoError(t, s.Init())
	return s
}

func TestPebbleEpochSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s := setupPebble(t, dir)

	e, err := s.Epoch()
	require.NoError(t, err)
	assert.Equal(t, uint8(0), e)

	e, err = s.BumpEpoch()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), e)
	require.NoError(t, s.Close())

	s = setupPebble(t, dir)
	t.Cleanup(func() { s.Close() })
	e, err = s.BumpEpoch()
	require.NoError(t, err)
	assert.Equal(t, uint8(2), e)
}

func TestPebbleLeavesRoundTrip(t *testing.T) {
	s := setupPebble(t, t.TempDir())
	t.Cleanup(func() { s.Close() })

	a := metadata.NewLeaf(7, 3, 1, 4, 10, 60, metadata.Path{9, 8})
	a.Epoch = 2
	b := metadata.NewLeaf(-2, 3, 0, 1, 0, -1, metadata.Path{9})
	require.NoError(t, s.SaveLeaf(a))
	require.NoError(t, s.SaveLeaf(b))

	// overwrite keeps a single entry per topic
	a.Used = 2
	require.NoError(t, s.SaveLeaf(a))

	leaves, err := s.Leaves()
	require.NoError(t, err)
	require.Len(t, leaves, 2)
	assert.Equal(t, metadata.TopicID(-2), leaves[0].Topic)
	assert.Equal(t, metadata.UnknownRemainingTime, leaves[0].RemainingTime)
	assert.Equal(t, metadata.TopicID(7), leaves[1].Topic)
	assert.Equal(t, 2, leaves[1].Used)
	assert.Equal(t, metadata.Path{9, 8}, leaves[1].Path)
	assert.Equal(t, uint8(2), leaves[1].Epoch)

	require.NoError(t, s.DeleteLeaf(7))
	leaves, err = s.Leaves()
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	assert.Equal(t, metadata.TopicID(-2), leaves[0].Topic)
}

func TestPebbleRejectsAggregates(t *testing.T) {
	s := setupPebble(t, t.TempDir())
	t.Cleanup(func() { s.Close() })

	agg, err := metadata.NewAggregator(nil).Fold(metadata.NewLeaf(1, 1, 0, 1, 0, 1, metadata.Path{2}))
	require.NoError(t, err)
	assert.Error(t, s.SaveLeaf(agg))
}

func TestPebbleTruncate(t *testing.T) {
	s := setupPebble(t, t.TempDir())
	t.Cleanup(func() { s.Close() })

	_, err := s.BumpEpoch()
	require.NoError(t, err)
	require.NoError(t, s.SaveLeaf(metadata.NewLeaf(1, 1, 0, 1, 0, 1, metadata.Path{2})))

	require.NoError(t, s.Truncate())
	leaves, err := s.Leaves()
	require.NoError(t, err)
	assert.Empty(t, leaves)
	e, err := s.Epoch()
	require.NoError(t, err)
	assert.Equal(t, uint8(0), e)
}
