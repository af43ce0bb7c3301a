// Package tree classifies this node's role in each topic tree and keeps the
// membership view the rest of the node reads.
package tree

import "github.com/iggydv12/treecast/internal/metadata"

// Status is this node's role in one topic tree.
type Status int

const (
	NonMember Status = iota
	Leaf
	IntermediateOnly
	Both
)

func (s Status) String() string {
	switch s {
	case Leaf:
		return "leaf"
	case IntermediateOnly:
		return "intermediate"
	case Both:
		return "both"
	default:
		return "non-member"
	}
}

// Resolve maps subscription and child count to a Status.
func Resolve(subscribed bool, children int) Status {
	switch {
	case subscribed && children > 0:
		return Both
	case subscribed:
		return Leaf
	case children > 0:
		return IntermediateOnly
	default:
		return NonMember
	}
}

// Membership is the pub/sub layer's view of the topic trees.
type Membership interface {
	Parent(topic metadata.TopicID) (metadata.NodeID, bool)
	Children(topic metadata.TopicID) []metadata.NodeID
	IsRoot(topic metadata.TopicID) bool
	IsSubscribed(topic metadata.TopicID) bool
	TopicsWithParent(parent metadata.NodeID) []metadata.TopicID
}

// StatusOf resolves the status of topic from m.
func StatusOf(m Membership, topic metadata.TopicID) Status {
	return Resolve(m.IsSubscribed(topic), len(m.Children(topic)))
}
