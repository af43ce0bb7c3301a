// Package refresh pushes each topic's local metadata up to the current parent
// in the topic tree.
package refresh

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/iggydv12/treecast/internal/metadata"
	"github.com/iggydv12/treecast/internal/metrics"
	"github.com/iggydv12/treecast/internal/tree"
)

const (
	DefaultBatchSize = 25
	DefaultBurst     = 25
	DefaultPeriod    = time.Second
)

// Strategy selects how pushes are grouped.
type Strategy int

const (
	// Single sends one message per topic.
	Single Strategy = iota
	// Piggyback bundles every due topic that shares the trigger's parent.
	Piggyback
)

func (s Strategy) String() string {
	if s == Single {
		return "single"
	}
	return "piggyback"
}

// ParseStrategy maps a config value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "single":
		return Single, nil
	case "", "piggyback":
		return Piggyback, nil
	}
	return Piggyback, fmt.Errorf("unknown refresh strategy %q", s)
}

// Sender delivers pushes to a parent. Delivery is fire-and-forget.
type Sender interface {
	Send(parent metadata.NodeID, r *metadata.Record)
	SendBatch(parent metadata.NodeID, batch []metadata.Update)
}

// Local gives access to the node's own records for a topic.
type Local interface {
	// Leaf returns the node's own record, nil when not subscribed.
	Leaf(topic metadata.TopicID) *metadata.Record
	// Subtree returns the rebuilt aggregate of the children, nil when none.
	Subtree(topic metadata.TopicID) (*metadata.Record, error)
}

// Config holds the propagation tunables.
type Config struct {
	Strategy  Strategy
	BatchSize int
	Burst     int
	Period    time.Duration
	Staleness metadata.StalenessPolicy
}

// Propagator decides when each topic's value is pushed and keeps the last
// pushed snapshot per topic. It is not safe for concurrent use.
type Propagator struct {
	cfg        Config
	membership tree.Membership
	local      Local
	agg        *metadata.Aggregator
	sender     Sender
	logger     *zap.Logger

	snapshots  map[metadata.TopicID]*metadata.Record
	considered map[metadata.TopicID]time.Time
	cursor     metadata.TopicID
	started    bool
}

// New creates a Propagator.
func New(cfg Config, m tree.Membership, local Local, agg *metadata.Aggregator, sender Sender, logger *zap.Logger) *Propagator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	return &Propagator{
		cfg:        cfg,
		membership: m,
		local:      local,
		agg:        agg,
		sender:     sender,
		logger:     logger.Named("refresh"),
		snapshots:  make(map[metadata.TopicID]*metadata.Record),
		considered: make(map[metadata.TopicID]time.Time),
	}
}

// Tick walks topics round-robin from where the previous tick stopped and
// refreshes the due ones until Burst pushes were made or every topic was
// examined once.
func (p *Propagator) Tick(topics []metadata.TopicID, now time.Time) int {
	if len(topics) == 0 {
		return 0
	}
	topics = slices.Clone(topics)
	slices.Sort(topics)

	start := 0
	if p.started {
		start, _ = slices.BinarySearch(topics, p.cursor+1)
	}
	p.started = true

	pushed := 0
	for i := 0; i < len(topics) && pushed < p.cfg.Burst; i++ {
		topic := topics[(start+i)%len(topics)]
		p.cursor = topic
		n, err := p.RefreshTopic(topic, false, now)
		if err != nil {
			p.report(topic, err)
			continue
		}
		pushed += n
	}
	return pushed
}

// RefreshTopic runs one refresh decision for topic. force skips the period
// check for topic itself. It returns the number of messages sent (0 or 1).
func (p *Propagator) RefreshTopic(topic metadata.TopicID, force bool, now time.Time) (int, error) {
	if !force && !p.due(topic, now) {
		return 0, nil
	}
	if p.cfg.Strategy == Single {
		return p.single(topic, now)
	}
	return p.piggyback(topic, now)
}

func (p *Propagator) single(topic metadata.TopicID, now time.Time) (int, error) {
	p.considered[topic] = now
	parent, ok := p.membership.Parent(topic)
	if !ok {
		return 0, nil
	}
	out, err := p.decide(topic, parent, now)
	if err != nil || out == nil {
		return 0, err
	}
	p.sender.Send(parent, out)
	metrics.RefreshPushes.WithLabelValues(Single.String()).Inc()
	return 1, nil
}

func (p *Propagator) piggyback(trigger metadata.TopicID, now time.Time) (int, error) {
	parent, ok := p.membership.Parent(trigger)
	if !ok {
		if tree.StatusOf(p.membership, trigger) != tree.NonMember && !p.membership.IsRoot(trigger) {
			p.logger.Debug("Tree member without parent", zap.Int32("topic", int32(trigger)))
		}
		return 0, nil
	}

	candidates := []metadata.TopicID{trigger}
	for _, t := range p.membership.TopicsWithParent(parent) {
		if t != trigger && p.due(t, now) {
			candidates = append(candidates, t)
		}
	}
	for _, t := range candidates[1:] {
		if tp, ok := p.membership.Parent(t); !ok || tp != parent {
			return 0, &metadata.InvariantError{
				Topic:  t,
				Reason: fmt.Sprintf("batched under parent %s but its parent is %q", parent, tp),
			}
		}
	}

	var batch []metadata.Update
	for _, t := range candidates {
		if len(batch) >= p.cfg.BatchSize {
			break
		}
		p.considered[t] = now
		out, err := p.decide(t, parent, now)
		if err != nil {
			// the topic is dropped from this batch, the rest still goes out
			p.report(t, err)
			continue
		}
		if out != nil {
			batch = append(batch, metadata.Update{Topic: t, Record: out})
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	p.sender.SendBatch(parent, batch)
	metrics.RefreshPushes.WithLabelValues(Piggyback.String()).Add(float64(len(batch)))
	metrics.RefreshBatchSize.Observe(float64(len(batch)))
	return 1, nil
}

// decide returns the record to push for topic, or nil when nothing needs to
// be sent. A returned record is a clone already stored as the snapshot.
func (p *Propagator) decide(topic metadata.TopicID, parent metadata.NodeID, now time.Time) (*metadata.Record, error) {
	value, err := p.Value(topic)
	if err != nil || value == nil {
		return nil, err
	}
	prev := p.snapshots[topic]
	if prev != nil && prev.PushedTo == parent && value.NegligibleChange(prev, p.cfg.Staleness) {
		return nil, nil
	}

	snap := value.Clone()
	snap.PushedTo = parent
	snap.PushedAt = now
	snap.AckedAt = time.Time{}
	p.snapshots[topic] = snap
	return snap.Clone(), nil
}

// Value computes what this node currently reports for topic, based on its
// status in the tree.
func (p *Propagator) Value(topic metadata.TopicID) (*metadata.Record, error) {
	switch tree.StatusOf(p.membership, topic) {
	case tree.Leaf:
		return p.local.Leaf(topic).Clone(), nil
	case tree.IntermediateOnly:
		sub, err := p.local.Subtree(topic)
		if err != nil {
			return nil, err
		}
		return p.agg.Aggregate(nil, sub)
	case tree.Both:
		sub, err := p.local.Subtree(topic)
		if err != nil {
			return nil, err
		}
		return p.agg.Aggregate(p.local.Leaf(topic), sub)
	default:
		return nil, nil
	}
}

func (p *Propagator) due(topic metadata.TopicID, now time.Time) bool {
	last, ok := p.considered[topic]
	return !ok || now.Sub(last) > p.cfg.Period
}

// Ack stamps the acknowledgement time on topic's snapshot. It never
// triggers a push.
func (p *Propagator) Ack(topic metadata.TopicID, at time.Time) bool {
	snap, ok := p.snapshots[topic]
	if !ok {
		return false
	}
	snap.AckedAt = at
	return true
}

// Snapshot returns a copy of the last record pushed for topic.
func (p *Propagator) Snapshot(topic metadata.TopicID) (*metadata.Record, bool) {
	snap, ok := p.snapshots[topic]
	return snap.Clone(), ok
}

// Forget drops all state kept for topic.
func (p *Propagator) Forget(topic metadata.TopicID) {
	delete(p.snapshots, topic)
	delete(p.considered, topic)
}

func (p *Propagator) report(topic metadata.TopicID, err error) {
	if errors.Is(err, metadata.ErrProtocolInvariant) {
		metrics.InvariantViolations.WithLabelValues("refresh").Inc()
	}
	p.logger.Error("Refresh dropped",
		zap.Int32("topic", int32(topic)),
		zap.String("strategy", p.cfg.Strategy.String()),
		zap.Error(err),
	)
}
