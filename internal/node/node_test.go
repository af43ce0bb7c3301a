package node

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/treecast/internal/admission"
	"github.com/iggydv12/treecast/internal/metadata"
	"github.com/iggydv12/treecast/internal/refresh"
	"github.com/iggydv12/treecast/internal/search"
	"github.com/iggydv12/treecast/internal/tree"
)

type push struct {
	parent metadata.NodeID
	batch  []metadata.Update
}

type ack struct {
	child metadata.NodeID
	topic metadata.TopicID
}

type forward struct {
	next metadata.NodeID
	req  *search.Request
}

type reply struct {
	to  metadata.NodeID
	res search.Result
}

type fakeTransport struct {
	pushes   []push
	acks     []ack
	forwards []forward
	replies  []reply
}

func (f *fakeTransport) Send(parent metadata.NodeID, r *metadata.Record) {
	f.pushes = append(f.pushes, push{parent: parent, batch: []metadata.Update{{Topic: r.Topic, Record: r}}})
}

func (f *fakeTransport) SendBatch(parent metadata.NodeID, batch []metadata.Update) {
	f.pushes = append(f.pushes, push{parent: parent, batch: batch})
}

func (f *fakeTransport) Ack(child metadata.NodeID, topic metadata.TopicID, _ time.Time) {
	f.acks = append(f.acks, ack{child: child, topic: topic})
}

func (f *fakeTransport) Forward(next metadata.NodeID, req *search.Request) {
	f.forwards = append(f.forwards, forward{next: next, req: req})
}

func (f *fakeTransport) Reply(to metadata.NodeID, res search.Result) {
	f.replies = append(f.replies, reply{to: to, res: res})
}

type memStore struct {
	saved   map[metadata.TopicID]*metadata.Record
	deleted []metadata.TopicID
	fail    error
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[metadata.TopicID]*metadata.Record)}
}

func (s *memStore) SaveLeaf(r *metadata.Record) error {
	if s.fail != nil {
		return s.fail
	}
	s.saved[r.Topic] = r.Clone()
	return nil
}

func (s *memStore) DeleteLeaf(topic metadata.TopicID) error {
	delete(s.saved, topic)
	s.deleted = append(s.deleted, topic)
	return nil
}

type fixture struct {
	table     *tree.Table
	transport *fakeTransport
	store     *memStore
	node      *Node
	clock     time.Time
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newFixture(mutate func(*Config)) *fixture {
	cfg := Config{
		Self:    "n:1",
		Token:   10,
		Epoch:   3,
		Refresh: refresh.Config{Strategy: refresh.Single},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		table:     tree.NewTable(),
		transport: &fakeTransport{},
		store:     newMemStore(),
		clock:     t0,
	}
	f.node = New(cfg, f.table, f.transport, f.store, zap.NewNop())
	f.node.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func requester(id metadata.NodeID, token metadata.Token) admission.Requester {
	return admission.Requester{ID: id, Token: token}
}

func childLeaf(owner metadata.Token, used, capacity int) *metadata.Record {
	return metadata.NewLeaf(1, owner, used, capacity, 0, 60, metadata.Path{10, 1})
}

func TestChildUpdateIsCachedAckedAndPropagated(t *testing.T) {
	f := newFixture(func(c *Config) {
		c.UpdateAck = true
		c.ImmediatePropagation = true
	})
	f.table.SetParent(1, "p:1")
	f.table.AddChild(1, "c:1")

	f.node.OnChildMetadataUpdate(1, "c:1", childLeaf(20, 1, 4))

	st := f.node.Status(1)
	assert.Equal(t, []metadata.NodeID{"c:1"}, st.Cached)
	assert.Equal(t, "intermediate", st.Status)
	assert.Equal(t, []ack{{child: "c:1", topic: 1}}, f.transport.acks)

	require.Len(t, f.transport.pushes, 1)
	assert.Equal(t, metadata.NodeID("p:1"), f.transport.pushes[0].parent)
	sent := f.transport.pushes[0].batch[0].Record
	assert.True(t, sent.Aggregate)
	assert.Equal(t, 4, sent.Capacity)
	assert.Empty(t, sent.Path)
}

func TestChildUpdateTopicMismatchIsDropped(t *testing.T) {
	f := newFixture(func(c *Config) { c.UpdateAck = true })
	f.table.AddChild(1, "c:1")

	wrong := childLeaf(20, 1, 4)
	wrong.Topic = 2
	f.node.OnChildMetadataUpdate(1, "c:1", wrong)

	assert.Empty(t, f.node.Status(1).Cached)
	assert.Empty(t, f.transport.acks)
}

func TestChildBatchSkipsMismatchedEntries(t *testing.T) {
	f := newFixture(nil)
	f.table.AddChild(1, "c:1")
	f.table.AddChild(2, "c:1")

	bad := childLeaf(20, 1, 4)
	good := childLeaf(20, 1, 4)
	good.Topic = 2
	f.node.OnChildMetadataBatch("c:1", []metadata.Update{
		{Topic: 1, Record: childLeaf(20, 1, 4)},
		{Topic: 3, Record: bad},
		{Topic: 2, Record: good},
	})

	assert.Equal(t, []metadata.NodeID{"c:1"}, f.node.Status(1).Cached)
	assert.Equal(t, []metadata.NodeID{"c:1"}, f.node.Status(2).Cached)
	assert.Empty(t, f.node.Status(3).Cached)
}

func TestChildRemovedDropsCache(t *testing.T) {
	f := newFixture(nil)
	f.table.AddChild(1, "c:1")
	f.node.OnChildMetadataUpdate(1, "c:1", childLeaf(20, 1, 4))

	f.node.OnChildRemoved(1, "c:1")
	assert.Empty(t, f.node.Status(1).Cached)
	assert.Nil(t, f.node.Status(1).Subtree)
	assert.Empty(t, f.transport.pushes)
}

func TestSubtreePrunesFormerChildren(t *testing.T) {
	f := newFixture(nil)
	f.table.AddChild(1, "c:1")
	f.table.AddChild(1, "c:2")
	f.node.OnChildMetadataUpdate(1, "c:1", childLeaf(20, 1, 4))
	f.node.OnChildMetadataUpdate(1, "c:2", childLeaf(21, 0, 2))

	f.table.RemoveChild(1, "c:2")
	sub, err := f.node.Subtree(1)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, 1, sub.Descendants)
	assert.Equal(t, 4, sub.Capacity)

	f.table.RemoveChild(1, "c:1")
	f.node.RebuildCaches()
	assert.Empty(t, f.node.cache.Topics())
}

func TestHandleSearchAcceptsLocally(t *testing.T) {
	f := newFixture(nil)
	require.NoError(t, f.node.Subscribe(1, Resources{Used: 1, Capacity: 4, RemainingTime: 60, Path: metadata.Path{5}}))

	req := search.NewRequest(1, search.Anycast, requester("r:1", 99))
	f.node.HandleSearch(req)

	require.Len(t, f.transport.replies, 1)
	r := f.transport.replies[0]
	assert.Equal(t, metadata.NodeID("r:1"), r.to)
	assert.True(t, r.res.OK)
	assert.Equal(t, metadata.NodeID("n:1"), r.res.Acceptor)
	assert.Equal(t, req.ID, r.res.RequestID)
	assert.Empty(t, f.transport.forwards)
}

func TestHandleSearchForwardsToBestChild(t *testing.T) {
	f := newFixture(nil)
	f.table.SetParent(1, "p:1")
	f.table.AddChild(1, "c:1")
	f.table.AddChild(1, "c:2")
	f.node.OnChildMetadataUpdate(1, "c:1", childLeaf(21, 1, 4))
	f.node.OnChildMetadataUpdate(1, "c:2", childLeaf(22, 4, 4))

	req := search.NewRequest(1, search.Anycast, requester("r:1", 99))
	f.node.HandleSearch(req)

	require.Len(t, f.transport.forwards, 1)
	fw := f.transport.forwards[0]
	assert.Equal(t, metadata.NodeID("c:1"), fw.next)
	assert.Equal(t, []metadata.NodeID{"n:1"}, fw.req.Visited)
	assert.Equal(t, []metadata.NodeID{"p:1"}, fw.req.Pending)
	assert.Empty(t, f.transport.replies)
}

func TestHandleSearchFailsWithNowhereToGo(t *testing.T) {
	f := newFixture(nil)
	req := search.NewRequest(1, search.Anycast, requester("r:1", 99))
	f.node.HandleSearch(req)

	require.Len(t, f.transport.replies, 1)
	assert.False(t, f.transport.replies[0].res.OK)
	assert.Equal(t, metadata.NodeID("r:1"), f.transport.replies[0].to)
}

func TestHandleSearchExhausted(t *testing.T) {
	f := newFixture(nil)
	f.table.SetParent(1, "p:1")
	req := search.NewRequest(1, search.Anycast, requester("r:1", 99))
	for i := range search.DefaultMaxHops {
		req.MarkVisited(metadata.NodeID(fmt.Sprintf("v:%d", i)))
	}
	f.node.HandleSearch(req)

	assert.Empty(t, f.transport.forwards)
	require.Len(t, f.transport.replies, 1)
	assert.False(t, f.transport.replies[0].res.OK)
}

func TestGroupMetadataAnsweredAtRoot(t *testing.T) {
	f := newFixture(nil)
	f.table.SetRoot(1, true)
	f.table.AddChild(1, "c:1")
	require.NoError(t, f.node.Subscribe(1, Resources{Used: 1, Capacity: 2, RemainingTime: 30}))
	f.node.OnChildMetadataUpdate(1, "c:1", childLeaf(20, 1, 4))

	req := f.node.StartSearch(1, search.GroupMetadata)

	require.Len(t, f.transport.replies, 1)
	res := f.transport.replies[0].res
	assert.Equal(t, metadata.NodeID("n:1"), f.transport.replies[0].to)
	assert.Equal(t, req.ID, res.RequestID)
	assert.True(t, res.OK)
	require.NotNil(t, res.Record)
	assert.Equal(t, 2, res.Record.Descendants)
	assert.Equal(t, 6, res.Record.Capacity)
}

func TestGroupMetadataClimbsTowardRoot(t *testing.T) {
	f := newFixture(nil)
	f.table.SetParent(1, "p:1")

	f.node.StartSearch(1, search.GroupMetadata)
	require.Len(t, f.transport.forwards, 1)
	assert.Equal(t, metadata.NodeID("p:1"), f.transport.forwards[0].next)
}

func TestSubscribeRejectsInvalidLeaf(t *testing.T) {
	f := newFixture(nil)
	err := f.node.Subscribe(1, Resources{Used: 1, Capacity: 2})
	require.Error(t, err)
	assert.False(t, f.table.IsSubscribed(1))
	assert.Nil(t, f.node.Leaf(1))
}

func TestUpdateLocalRejectsOverlongPath(t *testing.T) {
	f := newFixture(nil)
	f.table.SetParent(1, "p:1")
	require.NoError(t, f.node.Subscribe(1, Resources{Capacity: 2, Path: metadata.Path{5}}))
	pushes := len(f.transport.pushes)

	err := f.node.UpdateLocal(1, Resources{Capacity: 2, Path: make(metadata.Path, metadata.MaxPathLength+1)})
	require.Error(t, err)
	assert.Equal(t, metadata.Path{5}, f.node.Leaf(1).Path)
	assert.Len(t, f.transport.pushes, pushes)
}

func TestUpdateLocalRequiresSubscription(t *testing.T) {
	f := newFixture(nil)
	err := f.node.UpdateLocal(1, Resources{Capacity: 1, Path: metadata.Path{5}})
	assert.True(t, errors.Is(err, ErrNotSubscribed))
}

func TestUpdateLocalForcesPushOnlyOnRealChange(t *testing.T) {
	f := newFixture(func(c *Config) { c.Refresh.Staleness = metadata.StalenessCompare })
	f.table.SetParent(1, "p:1")
	res := Resources{Used: 1, Capacity: 4, Loss: 10, RemainingTime: 60, Path: metadata.Path{5}}
	require.NoError(t, f.node.Subscribe(1, res))
	require.Len(t, f.transport.pushes, 1)
	assert.Equal(t, uint8(3), f.store.saved[1].Epoch)

	// stay time alone is left to the periodic refresh
	f.advance(10 * time.Millisecond)
	res.RemainingTime = 58
	require.NoError(t, f.node.UpdateLocal(1, res))
	assert.Len(t, f.transport.pushes, 1)

	f.advance(10 * time.Millisecond)
	res.Used = 2
	require.NoError(t, f.node.UpdateLocal(1, res))
	require.Len(t, f.transport.pushes, 2)
	assert.Equal(t, 2, f.transport.pushes[1].batch[0].Record.Used)
}

func TestUpdateLocalSurvivesStoreFailure(t *testing.T) {
	f := newFixture(nil)
	f.store.fail = errors.New("disk full")
	require.NoError(t, f.node.Subscribe(1, Resources{Capacity: 1, Path: metadata.Path{5}}))
	assert.NotNil(t, f.node.Leaf(1))
}

func TestUnsubscribeForgetsEverything(t *testing.T) {
	f := newFixture(nil)
	f.table.SetParent(1, "p:1")
	require.NoError(t, f.node.Subscribe(1, Resources{Capacity: 1, Path: metadata.Path{5}}))

	require.NoError(t, f.node.Unsubscribe(1))
	assert.False(t, f.table.IsSubscribed(1))
	assert.Nil(t, f.node.Leaf(1))
	assert.Nil(t, f.node.Status(1).Snapshot)
	assert.Equal(t, []metadata.TopicID{1}, f.store.deleted)
}

func TestPeriodicTickAndAck(t *testing.T) {
	f := newFixture(nil)
	f.table.SetParent(1, "p:1")
	f.table.SetSubscribed(1, true)
	f.node.leaves[1] = metadata.NewLeaf(1, 10, 0, 1, 0, 10, metadata.Path{5})

	assert.Equal(t, 1, f.node.OnPeriodicTick())
	assert.Equal(t, 0, f.node.OnPeriodicTick())

	at := t0.Add(time.Second)
	f.node.OnUpdateAck(1, at)
	assert.Equal(t, at, f.node.Status(1).Snapshot.AckedAt)
}

func TestRestoreStampsEpochAndOwner(t *testing.T) {
	f := newFixture(nil)
	old := metadata.NewLeaf(1, 7, 1, 2, 0, 10, metadata.Path{5})
	old.Epoch = 1
	agg, err := metadata.NewAggregator(nil).Fold(old)
	require.NoError(t, err)
	agg.Topic = 2

	f.node.Restore([]*metadata.Record{old, agg})

	leaf := f.node.Leaf(1)
	require.NotNil(t, leaf)
	assert.Equal(t, uint8(3), leaf.Epoch)
	assert.Equal(t, metadata.Token(10), leaf.Owner)
	assert.True(t, f.table.IsSubscribed(1))
	assert.False(t, f.table.IsSubscribed(2))
	assert.Equal(t, uint8(1), old.Epoch)
}

func TestSetCoordinateUpdatesLeaves(t *testing.T) {
	f := newFixture(nil)
	require.NoError(t, f.node.Subscribe(1, Resources{Capacity: 1, Path: metadata.Path{5}}))

	c := &metadata.Coordinate{Values: []float64{1, 2}}
	f.node.SetCoordinate(c)
	c.Values[0] = 9

	assert.Equal(t, []float64{1, 2}, f.node.Leaf(1).Coord.Values)
}

func TestAllowSubscribeCentralized(t *testing.T) {
	f := newFixture(nil)
	assert.True(t, f.node.AllowSubscribe(1))

	f = newFixture(func(c *Config) { c.Centralized = true })
	assert.False(t, f.node.AllowSubscribe(1))
	f.table.SetRoot(1, true)
	assert.True(t, f.node.AllowSubscribe(1))
}

func TestSearchResultsAreBounded(t *testing.T) {
	f := newFixture(nil)
	for i := range maxResults + 1 {
		f.node.OnSearchResult(search.Result{RequestID: fmt.Sprintf("req-%d", i), OK: true})
	}
	_, ok := f.node.SearchResult("req-0")
	assert.False(t, ok)
	_, ok = f.node.SearchResult(fmt.Sprintf("req-%d", maxResults))
	assert.True(t, ok)
	assert.Len(t, f.node.results, maxResults)
}

func TestHandleRunsOnLoop(t *testing.T) {
	f := newFixture(nil)
	l := NewLoop(8, zap.NewNop())
	h := NewHandle(l, f.node)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	require.NoError(t, h.Do(ctx, func(n *Node) { n.membership.SetSubscribed(1, true) }))

	var subscribed bool
	require.NoError(t, h.Query(ctx, func(n *Node) { subscribed = n.membership.IsSubscribed(1) }))
	assert.True(t, subscribed)
}
