package metadata

import "sort"

// GroupCache holds the latest record reported by each child of one topic and
// the aggregate derived from them.
type GroupCache struct {
	topic     TopicID
	children  map[NodeID]*Record
	aggregate *Record
	dirty     bool
}

// NewGroupCache returns an empty cache for topic.
func NewGroupCache(topic TopicID) *GroupCache {
	return &GroupCache{topic: topic, children: make(map[NodeID]*Record)}
}

// Topic returns the topic this cache belongs to.
func (g *GroupCache) Topic() TopicID { return g.topic }

// Update stores a copy of r as the latest record of child.
func (g *GroupCache) Update(child NodeID, r *Record) {
	g.children[child] = r.Clone()
	g.dirty = true
}

// Remove forgets child. It reports whether the child was known.
func (g *GroupCache) Remove(child NodeID) bool {
	if _, ok := g.children[child]; !ok {
		return false
	}
	delete(g.children, child)
	g.dirty = true
	return true
}

// Record returns the cached record of child.
func (g *GroupCache) Record(child NodeID) (*Record, bool) {
	r, ok := g.children[child]
	return r, ok
}

// Len is the number of cached children.
func (g *GroupCache) Len() int { return len(g.children) }

// Children returns the cached child ids in sorted order.
func (g *GroupCache) Children() []NodeID {
	ids := make([]NodeID, 0, len(g.children))
	for id := range g.children {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Rebuild drops children for which isChild returns false, then folds the
// remaining records into the topic aggregate. The result is nil when no
// child is left. Children are folded in id order so the truncated averages
// are reproducible.
func (g *GroupCache) Rebuild(isChild func(NodeID) bool, agg *Aggregator) (*Record, error) {
	for id := range g.children {
		if isChild != nil && !isChild(id) {
			delete(g.children, id)
		}
	}
	records := make([]*Record, 0, len(g.children))
	for _, id := range g.Children() {
		records = append(records, g.children[id])
	}
	out, err := agg.Fold(records...)
	if err != nil {
		return nil, err
	}
	g.aggregate = out
	g.dirty = false
	return out, nil
}

// Aggregate returns the last rebuilt aggregate and whether children changed
// since.
func (g *GroupCache) Aggregate() (*Record, bool) {
	return g.aggregate, g.dirty
}

// Cache is the per-topic collection of GroupCaches owned by one node.
type Cache struct {
	groups map[TopicID]*GroupCache
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{groups: make(map[TopicID]*GroupCache)}
}

// Get returns the cache of topic if one exists.
func (c *Cache) Get(topic TopicID) (*GroupCache, bool) {
	g, ok := c.groups[topic]
	return g, ok
}

// Ensure returns the cache of topic, creating it when missing.
func (c *Cache) Ensure(topic TopicID) *GroupCache {
	g, ok := c.groups[topic]
	if !ok {
		g = NewGroupCache(topic)
		c.groups[topic] = g
	}
	return g
}

// Delete drops the cache of topic.
func (c *Cache) Delete(topic TopicID) {
	delete(c.groups, topic)
}

// Topics returns the cached topics in ascending order.
func (c *Cache) Topics() []TopicID {
	out := make([]TopicID, 0, len(c.groups))
	for t := range c.groups {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
