package node

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/iggydv12/treecast/internal/admission"
	"github.com/iggydv12/treecast/internal/metadata"
	"github.com/iggydv12/treecast/internal/metrics"
	"github.com/iggydv12/treecast/internal/refresh"
	"github.com/iggydv12/treecast/internal/search"
	"github.com/iggydv12/treecast/internal/tree"
)

var (
	ErrNotSubscribed = errors.New("not subscribed to topic")
	ErrNotAllowed    = errors.New("subscription not allowed")
)

// Membership is the tree view the node reads and the subscription state it
// owns.
type Membership interface {
	tree.Membership
	SetSubscribed(topic metadata.TopicID, subscribed bool)
	Topics() []metadata.TopicID
}

// Transport carries the node's outbound messages. Every call is
// fire-and-forget.
type Transport interface {
	refresh.Sender
	Ack(child metadata.NodeID, topic metadata.TopicID, at time.Time)
	Forward(next metadata.NodeID, req *search.Request)
	Reply(to metadata.NodeID, res search.Result)
}

// LeafStore persists the node's own leaf records across restarts.
type LeafStore interface {
	SaveLeaf(r *metadata.Record) error
	DeleteLeaf(topic metadata.TopicID) error
}

// Resources is a local resource report for one subscribed topic.
type Resources struct {
	Used          int           `json:"used"`
	Capacity      int           `json:"capacity"`
	Loss          int           `json:"loss"`
	RemainingTime int           `json:"remainingTime"`
	Path          metadata.Path `json:"path"`
}

// Config holds the node's identity and protocol tunables.
type Config struct {
	Self                 metadata.NodeID
	Token                metadata.Token
	Epoch                uint8
	Coordinate           *metadata.Coordinate
	LossThreshold        int
	FastConvergence      bool
	Search               search.Config
	Refresh              refresh.Config
	ImmediatePropagation bool
	UpdateAck            bool
	// Centralized lets only the topic root admit new subscribers.
	Centralized bool
}

// Node owns the per-topic metadata of one overlay node. All methods except
// the constructor must run on the control loop.
type Node struct {
	cfg        Config
	membership Membership
	transport  Transport
	store      LeafStore
	logger     *zap.Logger

	agg        *metadata.Aggregator
	admit      *admission.Predicate
	policy     *search.Policy
	propagator *refresh.Propagator
	cache      *metadata.Cache
	leaves     map[metadata.TopicID]*metadata.Record
	results    map[string]search.Result
	resultIDs  []string
	now        func() time.Time
}

// maxResults bounds the search results kept for lookup.
const maxResults = 256

// New builds a Node. store may be nil.
func New(cfg Config, m Membership, t Transport, store LeafStore, logger *zap.Logger) *Node {
	logger = logger.With(zap.String("self", string(cfg.Self)))
	n := &Node{
		cfg:        cfg,
		membership: m,
		transport:  t,
		store:      store,
		logger:     logger.Named("node"),
		agg:        metadata.NewAggregator(cfg.Coordinate),
		admit:      admission.New(cfg.LossThreshold, cfg.FastConvergence),
		cache:      metadata.NewCache(),
		leaves:     make(map[metadata.TopicID]*metadata.Record),
		results:    make(map[string]search.Result),
		now:        time.Now,
	}
	n.policy = search.NewPolicy(n.admit, cfg.Search, logger)
	n.propagator = refresh.New(cfg.Refresh, m, n, n.agg, t, logger)
	return n
}

// Self returns the node's identity.
func (n *Node) Self() metadata.NodeID { return n.cfg.Self }

// Leaf implements refresh.Local.
func (n *Node) Leaf(topic metadata.TopicID) *metadata.Record {
	return n.leaves[topic]
}

// Subtree implements refresh.Local. Cached children the membership layer no
// longer lists are pruned first.
func (n *Node) Subtree(topic metadata.TopicID) (*metadata.Record, error) {
	g, ok := n.cache.Get(topic)
	if !ok {
		return nil, nil
	}
	children := make(map[metadata.NodeID]bool)
	for _, c := range n.membership.Children(topic) {
		children[c] = true
	}
	return g.Rebuild(func(id metadata.NodeID) bool { return children[id] }, n.agg)
}

// OnChildMetadataUpdate stores the latest record of child.
func (n *Node) OnChildMetadataUpdate(topic metadata.TopicID, child metadata.NodeID, r *metadata.Record) {
	if r == nil {
		return
	}
	if r.Topic != topic {
		n.invariant("child-update", &metadata.InvariantError{
			Topic:  topic,
			Reason: fmt.Sprintf("child %s reported topic %d", child, r.Topic),
		})
		return
	}
	n.cache.Ensure(topic).Update(child, r)
	metrics.ChildUpdates.WithLabelValues("single").Inc()

	now := n.now()
	if n.cfg.UpdateAck {
		n.transport.Ack(child, topic, now)
	}
	if n.cfg.ImmediatePropagation {
		n.forceRefresh(topic, now)
	}
}

// OnChildMetadataBatch stores a piggybacked batch of records from child.
func (n *Node) OnChildMetadataBatch(child metadata.NodeID, batch []metadata.Update) {
	now := n.now()
	for _, u := range batch {
		if u.Record == nil {
			continue
		}
		if u.Record.Topic != u.Topic {
			n.invariant("child-batch", &metadata.InvariantError{
				Topic:  u.Topic,
				Reason: fmt.Sprintf("child %s batched topic %d", child, u.Record.Topic),
			})
			continue
		}
		n.cache.Ensure(u.Topic).Update(child, u.Record)
		if n.cfg.ImmediatePropagation {
			n.forceRefresh(u.Topic, now)
		}
	}
	metrics.ChildUpdates.WithLabelValues("batch").Inc()
}

// OnChildRemoved forgets child's record for topic.
func (n *Node) OnChildRemoved(topic metadata.TopicID, child metadata.NodeID) {
	g, ok := n.cache.Get(topic)
	if !ok || !g.Remove(child) {
		return
	}
	if g.Len() == 0 {
		n.cache.Delete(topic)
	}
	if n.cfg.ImmediatePropagation {
		n.forceRefresh(topic, n.now())
	}
}

// OnAnycastVisit reorders msg's pending queue for this hop.
func (n *Node) OnAnycastVisit(topic metadata.TopicID, msg search.Message) search.Outcome {
	parent, hasParent := n.membership.Parent(topic)
	hop := search.Hop{
		Parent:    parent,
		HasParent: hasParent,
		Children:  n.membership.Children(topic),
		IsRoot:    n.membership.IsRoot(topic),
	}
	if g, ok := n.cache.Get(topic); ok {
		hop.Cache = g
	}
	out := n.policy.Visit(msg, hop)
	metrics.AnycastVisits.WithLabelValues(out.String()).Inc()
	return out
}

// OnAcceptCandidate applies the admission rule to one child.
func (n *Node) OnAcceptCandidate(topic metadata.TopicID, child metadata.NodeID, r *metadata.Record, req admission.Requester) bool {
	ok := n.admit.Accept(child, r, req)
	if ok {
		metrics.AdmissionDecisions.WithLabelValues("accept").Inc()
	} else {
		metrics.AdmissionDecisions.WithLabelValues("reject").Inc()
	}
	return ok
}

// OnPeriodicTick runs one refresh round.
func (n *Node) OnPeriodicTick() int {
	return n.propagator.Tick(n.membership.Topics(), n.now())
}

// OnUpdateAck records that the parent acknowledged topic's last push.
func (n *Node) OnUpdateAck(topic metadata.TopicID, at time.Time) {
	if !n.propagator.Ack(topic, at) {
		n.logger.Debug("Ack without snapshot", zap.Int32("topic", int32(topic)))
	}
}

// RebuildCaches prunes and re-aggregates every cached topic.
func (n *Node) RebuildCaches() {
	for _, topic := range n.cache.Topics() {
		sub, err := n.Subtree(topic)
		if err != nil {
			n.invariant("rebuild", err)
			n.cache.Delete(topic)
			continue
		}
		if sub == nil {
			n.cache.Delete(topic)
		}
	}
}

// HandleSearch processes a search arriving at this node and routes it on.
func (n *Node) HandleSearch(req *search.Request) {
	req.MarkVisited(n.cfg.Self)
	topic := req.Topic()

	if req.Kind() == search.Anycast && n.acceptsLocally(topic, req.Requester()) {
		n.transport.Reply(req.From.ID, search.Result{
			RequestID: req.ID, Topic: topic, Kind: req.Type, OK: true, Acceptor: n.cfg.Self,
		})
		return
	}

	switch n.OnAnycastVisit(topic, req) {
	case search.AtRoot:
		n.answerGroupMetadata(req)
		return
	case search.Exhausted:
		n.fail(req)
		return
	case search.Skipped:
		return
	}

	next, ok := req.Next()
	if !ok {
		n.fail(req)
		return
	}
	n.transport.Forward(next, req)
}

// StartSearch begins a search of kind for topic from this node.
func (n *Node) StartSearch(topic metadata.TopicID, kind search.Kind) *search.Request {
	req := search.NewRequest(topic, kind, admission.Requester{
		ID:    n.cfg.Self,
		Token: n.cfg.Token,
		Coord: n.agg.Coordinate(),
	})
	if leaf, ok := n.leaves[topic]; ok {
		req.From.Path = slices.Clone(leaf.Path)
	}
	n.HandleSearch(req)
	return req
}

func (n *Node) acceptsLocally(topic metadata.TopicID, req admission.Requester) bool {
	if req.ID == n.cfg.Self {
		return false
	}
	leaf, ok := n.leaves[topic]
	return ok && n.admit.Accept(n.cfg.Self, leaf, req)
}

func (n *Node) answerGroupMetadata(req *search.Request) {
	sub, err := n.Subtree(req.TopicID)
	if err != nil {
		n.invariant("group-metadata", err)
		n.fail(req)
		return
	}
	r, err := n.agg.Aggregate(n.leaves[req.TopicID], sub)
	if err != nil {
		n.invariant("group-metadata", err)
		n.fail(req)
		return
	}
	if r == nil {
		n.logger.Warn("Group metadata requested but nothing is known", zap.Int32("topic", int32(req.TopicID)))
		n.fail(req)
		return
	}
	n.transport.Reply(req.From.ID, search.Result{
		RequestID: req.ID, Topic: req.TopicID, Kind: req.Type, OK: true, Acceptor: n.cfg.Self, Record: r,
	})
}

func (n *Node) fail(req *search.Request) {
	n.transport.Reply(req.From.ID, search.Result{RequestID: req.ID, Topic: req.TopicID, Kind: req.Type})
}

// OnSearchResult records the answer to a search this node started.
func (n *Node) OnSearchResult(res search.Result) {
	if _, ok := n.results[res.RequestID]; !ok {
		n.resultIDs = append(n.resultIDs, res.RequestID)
		if len(n.resultIDs) > maxResults {
			delete(n.results, n.resultIDs[0])
			n.resultIDs = n.resultIDs[1:]
		}
	}
	n.results[res.RequestID] = res
	n.logger.Debug("Search answered",
		zap.String("id", res.RequestID),
		zap.Int32("topic", int32(res.Topic)),
		zap.Bool("ok", res.OK),
		zap.String("acceptor", string(res.Acceptor)),
	)
}

// SearchResult returns the answer recorded for a search id.
func (n *Node) SearchResult(id string) (search.Result, bool) {
	res, ok := n.results[id]
	return res, ok
}

// AllowSubscribe reports whether this node admits a new subscriber for topic.
func (n *Node) AllowSubscribe(topic metadata.TopicID) bool {
	if !n.cfg.Centralized {
		return true
	}
	return n.membership.IsRoot(topic)
}

// Subscribe joins topic locally and creates the leaf record.
func (n *Node) Subscribe(topic metadata.TopicID, res Resources) error {
	wasSubscribed := n.membership.IsSubscribed(topic)
	n.membership.SetSubscribed(topic, true)
	if err := n.UpdateLocal(topic, res); err != nil {
		if !wasSubscribed {
			n.membership.SetSubscribed(topic, false)
		}
		return err
	}
	return nil
}

// Unsubscribe leaves topic and drops the leaf record and push state.
func (n *Node) Unsubscribe(topic metadata.TopicID) error {
	n.membership.SetSubscribed(topic, false)
	delete(n.leaves, topic)
	n.propagator.Forget(topic)
	if n.store != nil {
		if err := n.store.DeleteLeaf(topic); err != nil {
			return fmt.Errorf("delete leaf %d: %w", topic, err)
		}
	}
	return nil
}

// UpdateLocal replaces the leaf record of topic. A change beyond the stay
// time is pushed right away.
func (n *Node) UpdateLocal(topic metadata.TopicID, res Resources) error {
	if !n.membership.IsSubscribed(topic) {
		return ErrNotSubscribed
	}
	path := res.Path
	if len(path) == 0 && n.membership.IsRoot(topic) {
		// nothing above the root; its own token keeps the path non-empty
		path = metadata.Path{n.cfg.Token}
	}
	r := metadata.NewLeaf(topic, n.cfg.Token, res.Used, res.Capacity, res.Loss, res.RemainingTime, path)
	r.Coord = n.agg.Coordinate()
	r.Epoch = n.cfg.Epoch
	if err := r.Validate(); err != nil {
		return err
	}
	n.leaves[topic] = r

	if n.store != nil {
		if err := n.store.SaveLeaf(r); err != nil {
			n.logger.Warn("Leaf not persisted", zap.Int32("topic", int32(topic)), zap.Error(err))
		}
	}

	prev, _ := n.propagator.Snapshot(topic)
	n.refresh(topic, !r.SameExceptStayTime(prev), n.now())
	return nil
}

// Restore reinstates leaf records loaded from storage.
func (n *Node) Restore(leaves []*metadata.Record) {
	for _, r := range leaves {
		if r.Aggregate || r.Validate() != nil {
			continue
		}
		r = r.Clone()
		r.Epoch = n.cfg.Epoch
		r.Owner = n.cfg.Token
		n.leaves[r.Topic] = r
		n.membership.SetSubscribed(r.Topic, true)
	}
}

// SetCoordinate updates the node's coordinate on every leaf and on future
// aggregates.
func (n *Node) SetCoordinate(c *metadata.Coordinate) {
	n.agg.SetCoordinate(c)
	for _, r := range n.leaves {
		r.Coord = c.Clone()
	}
}

// TopicStatus summarizes the node's state for topic.
type TopicStatus struct {
	Topic    metadata.TopicID  `json:"topic"`
	Status   string            `json:"status"`
	Leaf     *metadata.Record  `json:"leaf,omitempty"`
	Subtree  *metadata.Record  `json:"subtree,omitempty"`
	Snapshot *metadata.Record  `json:"snapshot,omitempty"`
	Cached   []metadata.NodeID `json:"cached"`
}

// Status returns a copy of everything known about topic.
func (n *Node) Status(topic metadata.TopicID) TopicStatus {
	st := TopicStatus{
		Topic:  topic,
		Status: tree.StatusOf(n.membership, topic).String(),
		Leaf:   n.leaves[topic].Clone(),
		Cached: []metadata.NodeID{},
	}
	if g, ok := n.cache.Get(topic); ok {
		st.Cached = g.Children()
		if agg, _ := g.Aggregate(); agg != nil {
			st.Subtree = agg.Clone()
		}
	}
	if snap, ok := n.propagator.Snapshot(topic); ok {
		st.Snapshot = snap
	}
	return st
}

func (n *Node) forceRefresh(topic metadata.TopicID, now time.Time) {
	n.refresh(topic, true, now)
}

func (n *Node) refresh(topic metadata.TopicID, force bool, now time.Time) {
	if _, err := n.propagator.RefreshTopic(topic, force, now); err != nil {
		n.invariant("refresh", err)
	}
}

func (n *Node) invariant(site string, err error) {
	if errors.Is(err, metadata.ErrProtocolInvariant) {
		metrics.InvariantViolations.WithLabelValues(site).Inc()
	}
	n.logger.Error("Dropped on invariant violation", zap.String("site", site), zap.Error(err))
}

// Handle is the goroutine-safe entry point to a Node: every call hops onto
// the control loop.
type Handle struct {
	loop *Loop
	node *Node
}

// NewHandle binds n to l.
func NewHandle(l *Loop, n *Node) *Handle {
	return &Handle{loop: l, node: n}
}

// Do enqueues fn and returns without waiting.
func (h *Handle) Do(ctx context.Context, fn func(*Node)) error {
	return h.loop.Exec(ctx, func(context.Context) { fn(h.node) })
}

// Query runs fn on the loop and waits for it.
func (h *Handle) Query(ctx context.Context, fn func(*Node)) error {
	return h.loop.Call(ctx, func(context.Context) { fn(h.node) })
}
