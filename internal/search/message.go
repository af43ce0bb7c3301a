// Package search steers anycast messages through a topic's delivery tree.
package search

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/iggydv12/treecast/internal/admission"
	"github.com/iggydv12/treecast/internal/metadata"
)

// Kind classifies a search.
type Kind int

const (
	// Anycast looks for any subscriber with spare capacity.
	Anycast Kind = iota
	// Subscribe is a join travelling through the tree; the join path owns
	// its next-hop choice.
	Subscribe
	// GroupMetadata asks the topic root for the tree-wide aggregate.
	GroupMetadata
)

func (k Kind) String() string {
	switch k {
	case Subscribe:
		return "subscribe"
	case GroupMetadata:
		return "group-metadata"
	default:
		return "anycast"
	}
}

// ParseKind maps a kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "anycast":
		return Anycast, nil
	case "subscribe":
		return Subscribe, nil
	case "group-metadata":
		return GroupMetadata, nil
	}
	return Anycast, fmt.Errorf("unknown search kind %q", s)
}

// Message is the in-flight state of a search as seen by one hop.
type Message interface {
	Topic() metadata.TopicID
	Kind() Kind
	Requester() admission.Requester
	AddFirst(id metadata.NodeID)
	AddLast(id metadata.NodeID)
	RemoveLastFromPending() (metadata.NodeID, bool)
	// Known reports whether id was already visited or queued.
	Known(id metadata.NodeID) bool
	VisitedCount() int
	PendingCount() int
}

// Request is the concrete Message carried between nodes.
type Request struct {
	ID      string
	TopicID metadata.TopicID
	Type    Kind
	From    admission.Requester
	Visited []metadata.NodeID
	Pending []metadata.NodeID
}

// NewRequest starts a search for topic on behalf of from.
func NewRequest(topic metadata.TopicID, kind Kind, from admission.Requester) *Request {
	return &Request{
		ID:      uuid.NewString(),
		TopicID: topic,
		Type:    kind,
		From:    from,
	}
}

func (r *Request) Topic() metadata.TopicID         { return r.TopicID }
func (r *Request) Kind() Kind                      { return r.Type }
func (r *Request) Requester() admission.Requester { return r.From }
func (r *Request) VisitedCount() int               { return len(r.Visited) }
func (r *Request) PendingCount() int               { return len(r.Pending) }

func (r *Request) Known(id metadata.NodeID) bool {
	return slices.Contains(r.Visited, id) || slices.Contains(r.Pending, id)
}

// AddFirst puts id at the head of the pending queue unless it was already
// visited or queued.
func (r *Request) AddFirst(id metadata.NodeID) {
	if r.Known(id) {
		return
	}
	r.Pending = slices.Insert(r.Pending, 0, id)
}

// AddLast appends id to the pending queue unless it was already visited or
// queued.
func (r *Request) AddLast(id metadata.NodeID) {
	if r.Known(id) {
		return
	}
	r.Pending = append(r.Pending, id)
}

// RemoveLastFromPending drops the lowest priority queued node.
func (r *Request) RemoveLastFromPending() (metadata.NodeID, bool) {
	n := len(r.Pending)
	if n == 0 {
		return "", false
	}
	id := r.Pending[n-1]
	r.Pending = r.Pending[:n-1]
	return id, true
}

// MarkVisited records that id has handled the message.
func (r *Request) MarkVisited(id metadata.NodeID) {
	if !slices.Contains(r.Visited, id) {
		r.Visited = append(r.Visited, id)
	}
	if i := slices.Index(r.Pending, id); i >= 0 {
		r.Pending = slices.Delete(r.Pending, i, i+1)
	}
}

// Next pops the head of the pending queue.
func (r *Request) Next() (metadata.NodeID, bool) {
	if len(r.Pending) == 0 {
		return "", false
	}
	id := r.Pending[0]
	r.Pending = r.Pending[1:]
	return id, true
}

// Result is the answer returned to the requester of a search.
type Result struct {
	RequestID string
	Topic     metadata.TopicID
	Kind      Kind
	OK        bool
	// Acceptor is the node that took the anycast.
	Acceptor metadata.NodeID
	// Record is the tree-wide aggregate for group metadata requests.
	Record *metadata.Record
}
