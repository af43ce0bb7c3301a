package tree

import (
	"slices"
	"sort"
	"sync"

	"github.com/iggydv12/treecast/internal/metadata"
)

type entry struct {
	parent     metadata.NodeID
	hasParent  bool
	children   []metadata.NodeID
	subscribed bool
	root       bool
}

func (e *entry) empty() bool {
	return !e.hasParent && len(e.children) == 0 && !e.subscribed && !e.root
}

// Table is an in-memory Membership fed by the pub/sub layer.
type Table struct {
	mu     sync.RWMutex
	topics map[metadata.TopicID]*entry
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{topics: make(map[metadata.TopicID]*entry)}
}

// ensure must be called with the lock held.
func (t *Table) ensure(topic metadata.TopicID) *entry {
	e, ok := t.topics[topic]
	if !ok {
		e = &entry{}
		t.topics[topic] = e
	}
	return e
}

// gc must be called with the lock held.
func (t *Table) gc(topic metadata.TopicID) {
	if e, ok := t.topics[topic]; ok && e.empty() {
		delete(t.topics, topic)
	}
}

// SetParent records parent as the current parent of topic.
func (t *Table) SetParent(topic metadata.TopicID, parent metadata.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.ensure(topic)
	e.parent, e.hasParent = parent, true
}

// ClearParent forgets the parent of topic.
func (t *Table) ClearParent(topic metadata.TopicID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.topics[topic]; ok {
		e.parent, e.hasParent = "", false
		t.gc(topic)
	}
}

// AddChild adds child under topic. Returns false if it was already present.
func (t *Table) AddChild(topic metadata.TopicID, child metadata.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.ensure(topic)
	if slices.Contains(e.children, child) {
		return false
	}
	e.children = append(e.children, child)
	return true
}

// RemoveChild removes child from topic. Returns false if it was unknown.
func (t *Table) RemoveChild(topic metadata.TopicID, child metadata.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.topics[topic]
	if !ok {
		return false
	}
	i := slices.Index(e.children, child)
	if i < 0 {
		return false
	}
	e.children = slices.Delete(e.children, i, i+1)
	t.gc(topic)
	return true
}

// SetSubscribed marks whether this node is a subscriber of topic.
func (t *Table) SetSubscribed(topic metadata.TopicID, subscribed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensure(topic).subscribed = subscribed
	t.gc(topic)
}

// SetRoot marks whether this node is the root of topic.
func (t *Table) SetRoot(topic metadata.TopicID, root bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensure(topic).root = root
	t.gc(topic)
}

// Parent returns the current parent of topic.
func (t *Table) Parent(topic metadata.TopicID) (metadata.NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.topics[topic]; ok && e.hasParent {
		return e.parent, true
	}
	return "", false
}

// Children returns a copy of the children of topic.
func (t *Table) Children(topic metadata.TopicID) []metadata.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.topics[topic]; ok {
		return slices.Clone(e.children)
	}
	return nil
}

// IsChild reports whether child is currently a child of topic.
func (t *Table) IsChild(topic metadata.TopicID, child metadata.NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.topics[topic]
	return ok && slices.Contains(e.children, child)
}

// IsRoot reports whether this node is the root of topic.
func (t *Table) IsRoot(topic metadata.TopicID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.topics[topic]
	return ok && e.root
}

// IsSubscribed reports whether this node subscribes to topic.
func (t *Table) IsSubscribed(topic metadata.TopicID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.topics[topic]
	return ok && e.subscribed
}

// TopicsWithParent returns, in ascending order, the topics whose parent is
// parent.
func (t *Table) TopicsWithParent(parent metadata.NodeID) []metadata.TopicID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []metadata.TopicID
	for topic, e := range t.topics {
		if e.hasParent && e.parent == parent {
			out = append(out, topic)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Topics returns every topic the table knows about, ascending.
func (t *Table) Topics() []metadata.TopicID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]metadata.TopicID, 0, len(t.topics))
	for topic := range t.topics {
		out = append(out, topic)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// View is a point-in-time copy of one topic's membership.
type View struct {
	Topic      metadata.TopicID  `json:"topic"`
	Parent     metadata.NodeID   `json:"parent,omitempty"`
	Children   []metadata.NodeID `json:"children"`
	Subscribed bool              `json:"subscribed"`
	Root       bool              `json:"root"`
	Status     string            `json:"status"`
}

// Snapshot returns a View of topic.
func (t *Table) Snapshot(topic metadata.TopicID) (View, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.topics[topic]
	if !ok {
		return View{Topic: topic, Status: NonMember.String()}, false
	}
	return View{
		Topic:      topic,
		Parent:     e.parent,
		Children:   slices.Clone(e.children),
		Subscribed: e.subscribed,
		Root:       e.root,
		Status:     Resolve(e.subscribed, len(e.children)).String(),
	}, true
}
