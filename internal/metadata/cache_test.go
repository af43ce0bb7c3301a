package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/treecast/internal/metadata"
)

func TestGroupCacheRebuildPrunesStaleChildren(t *testing.T) {
	g := metadata.NewGroupCache(4)
	g.Update("a:1", leaf(4, 1, 1, 3, 0, 10, 1))
	g.Update("b:1", leaf(4, 2, 1, 3, 0, 10, 1))
	g.Update("c:1", leaf(4, 3, 1, 3, 0, 10, 1))

	members := map[metadata.NodeID]bool{"a:1": true, "c:1": true}
	out, err := g.Rebuild(func(id metadata.NodeID) bool { return members[id] }, metadata.NewAggregator(nil))
	require.NoError(t, err)

	assert.Equal(t, []metadata.NodeID{"a:1", "c:1"}, g.Children())
	assert.Equal(t, 2, out.Descendants)
	assert.Equal(t, 6, out.Capacity)

	cached, dirty := g.Aggregate()
	assert.False(t, dirty)
	assert.Same(t, out, cached)
}

func TestGroupCacheRebuildEmpty(t *testing.T) {
	g := metadata.NewGroupCache(4)
	g.Update("a:1", leaf(4, 1, 1, 3, 0, 10, 1))

	out, err := g.Rebuild(func(metadata.NodeID) bool { return false }, metadata.NewAggregator(nil))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 0, g.Len())
}

func TestGroupCacheRebuildTopicMismatch(t *testing.T) {
	g := metadata.NewGroupCache(4)
	g.Update("a:1", leaf(4, 1, 1, 3, 0, 10, 1))
	g.Update("b:1", leaf(5, 2, 1, 3, 0, 10, 1))

	_, err := g.Rebuild(nil, metadata.NewAggregator(nil))
	assert.ErrorIs(t, err, metadata.ErrProtocolInvariant)
}

func TestGroupCacheUpdateCopies(t *testing.T) {
	g := metadata.NewGroupCache(4)
	r := leaf(4, 1, 1, 3, 0, 10, 1)
	g.Update("a:1", r)
	r.Used = 3

	got, ok := g.Record("a:1")
	require.True(t, ok)
	assert.Equal(t, 1, got.Used)

	_, dirty := g.Aggregate()
	assert.True(t, dirty)
	assert.True(t, g.Remove("a:1"))
	assert.False(t, g.Remove("a:1"))
}

func TestCache(t *testing.T) {
	c := metadata.NewCache()
	_, ok := c.Get(1)
	assert.False(t, ok)

	g := c.Ensure(2)
	assert.Same(t, g, c.Ensure(2))
	c.Ensure(1)
	assert.Equal(t, []metadata.TopicID{1, 2}, c.Topics())

	c.Delete(2)
	assert.Equal(t, []metadata.TopicID{1}, c.Topics())
}
