package tree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/treecast/internal/metadata"
	"github.com/iggydv12/treecast/internal/tree"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		subscribed bool
		children   int
		want       tree.Status
	}{
		{false, 0, tree.NonMember},
		{true, 0, tree.Leaf},
		{true, 3, tree.Both},
		{false, 1, tree.IntermediateOnly},
	}
	for _, tc := range cases {
		t.Run(tc.want.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, tree.Resolve(tc.subscribed, tc.children))
		})
	}
}

func TestTableParentAndChildren(t *testing.T) {
	tbl := tree.NewTable()
	_, ok := tbl.Parent(1)
	assert.False(t, ok)

	tbl.SetParent(1, "p:1")
	parent, ok := tbl.Parent(1)
	require.True(t, ok)
	assert.Equal(t, metadata.NodeID("p:1"), parent)

	assert.True(t, tbl.AddChild(1, "c:1"))
	assert.False(t, tbl.AddChild(1, "c:1"))
	assert.True(t, tbl.AddChild(1, "c:2"))
	assert.Equal(t, []metadata.NodeID{"c:1", "c:2"}, tbl.Children(1))
	assert.True(t, tbl.IsChild(1, "c:2"))
	assert.Equal(t, tree.IntermediateOnly, tree.StatusOf(tbl, 1))

	tbl.SetSubscribed(1, true)
	assert.Equal(t, tree.Both, tree.StatusOf(tbl, 1))

	assert.True(t, tbl.RemoveChild(1, "c:1"))
	assert.False(t, tbl.RemoveChild(1, "c:1"))
	assert.Equal(t, []metadata.NodeID{"c:2"}, tbl.Children(1))
}

func TestTableChildrenIsCopy(t *testing.T) {
	tbl := tree.NewTable()
	tbl.AddChild(1, "c:1")
	kids := tbl.Children(1)
	kids[0] = "mutated"
	assert.Equal(t, []metadata.NodeID{"c:1"}, tbl.Children(1))
}

func TestTableTopicsWithParent(t *testing.T) {
	tbl := tree.NewTable()
	tbl.SetParent(5, "p:1")
	tbl.SetParent(2, "p:1")
	tbl.SetParent(3, "p:2")
	tbl.SetParent(4, "p:1")
	tbl.ClearParent(4)

	assert.Equal(t, []metadata.TopicID{2, 5}, tbl.TopicsWithParent("p:1"))
	assert.Equal(t, []metadata.TopicID{2, 3, 5}, tbl.Topics())
}

func TestTableForgetsEmptyTopics(t *testing.T) {
	tbl := tree.NewTable()
	tbl.SetSubscribed(1, true)
	tbl.SetRoot(1, true)
	assert.True(t, tbl.IsRoot(1))

	tbl.SetRoot(1, false)
	tbl.SetSubscribed(1, false)
	assert.Empty(t, tbl.Topics())

	view, ok := tbl.Snapshot(1)
	assert.False(t, ok)
	assert.Equal(t, "non-member", view.Status)
}

func TestTableSnapshot(t *testing.T) {
	tbl := tree.NewTable()
	tbl.SetParent(1, "p:1")
	tbl.SetSubscribed(1, true)

	view, ok := tbl.Snapshot(1)
	require.True(t, ok)
	assert.Equal(t, metadata.NodeID("p:1"), view.Parent)
	assert.True(t, view.Subscribed)
	assert.Equal(t, "leaf", view.Status)
}
