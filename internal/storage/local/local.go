// Package local persists the node's own state across restarts: the run epoch
// and the leaf record of every subscribed topic.
package local

import "github.com/iggydv12/treecast/internal/metadata"

// LeafStorage is the single-node store behind the node's leaf records.
type LeafStorage interface {
	// Init opens or creates the underlying store.
	Init() error
	// Close flushes and closes the store.
	Close() error
	// Epoch returns the stored run epoch, zero when none was stored.
	Epoch() (uint8, error)
	// BumpEpoch increments the run epoch and returns the new value.
	BumpEpoch() (uint8, error)
	// SaveLeaf stores the leaf record of its topic.
	SaveLeaf(r *metadata.Record) error
	// DeleteLeaf removes the leaf record of topic.
	DeleteLeaf(topic metadata.TopicID) error
	// Leaves returns every stored leaf record ordered by topic.
	Leaves() ([]*metadata.Record, error)
	// Truncate deletes everything.
	Truncate() error
}
