// Package metadata holds the per-node and per-subtree resource descriptors that
// parents cache for their children, and the algebra used to fold them upward.
package metadata

import (
	"fmt"
	"hash/fnv"
	"math"
	"slices"
	"time"
)

// TopicID identifies an anycast group.
type TopicID int32

// Token is an opaque overlay id token. Only equality and unsigned ordering
// carry meaning.
type Token uint32

// TokenFromID derives a non-zero token from a node ID with FNV-32a.
func TokenFromID(id NodeID) Token {
	h := fnv.New32a()
	h.Write([]byte(id))
	if t := Token(h.Sum32()); t != 0 {
		return t
	}
	return 1
}

// Path is the chain of overlay tokens above a leaf. Index 0 is the direct
// parent, the last element is the root.
type Path []Token

// NodeID is the membership-layer identity of a peer (its transport address).
type NodeID string

// UnknownRemainingTime marks a record whose owner did not report a stay time.
const UnknownRemainingTime = -1

// Contains reports whether t appears anywhere on the path.
func (p Path) Contains(t Token) bool {
	return p.Index(t) >= 0
}

// Index returns the position of t on the path or -1.
func (p Path) Index(t Token) int {
	for i, v := range p {
		if v == t {
			return i
		}
	}
	return -1
}

// Coordinate is a network coordinate. Beyond distance and the stability flag
// it is opaque to this package.
type Coordinate struct {
	Values []float64
	Stable bool
}

// Clone returns a deep copy, nil-safe.
func (c *Coordinate) Clone() *Coordinate {
	if c == nil {
		return nil
	}
	return &Coordinate{Values: slices.Clone(c.Values), Stable: c.Stable}
}

// Equal compares two coordinates component-wise.
func (c *Coordinate) Equal(o *Coordinate) bool {
	if c == nil || o == nil {
		return c == nil && o == nil
	}
	return c.Stable == o.Stable && slices.Equal(c.Values, o.Values)
}

// DistanceFunc is the locality oracle.
type DistanceFunc func(a, b *Coordinate) float64

// Euclidean is the default DistanceFunc. Coordinates of different dimension
// are compared over their common prefix.
func Euclidean(a, b *Coordinate) float64 {
	if a == nil || b == nil {
		return math.Inf(1)
	}
	n := min(len(a.Values), len(b.Values))
	var sum float64
	for i := 0; i < n; i++ {
		d := a.Values[i] - b.Values[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Record describes either one subscriber (a leaf record) or a whole subtree
// (an aggregate record) for a single topic.
type Record struct {
	Topic         TopicID
	Aggregate     bool
	Used          int
	Capacity      int
	Loss          int // 0-100
	RemainingTime int // seconds, UnknownRemainingTime if not reported
	Path          Path
	Owner         Token // leaf only
	Descendants   int
	Coord         *Coordinate
	Epoch         uint8

	// Push bookkeeping, never compared and never sent.
	PushedTo NodeID
	PushedAt time.Time
	AckedAt  time.Time
}

// NewLeaf builds a leaf record with a single descendant.
func NewLeaf(topic TopicID, owner Token, used, capacity, loss, remaining int, path Path) *Record {
	return &Record{
		Topic:         topic,
		Used:          used,
		Capacity:      capacity,
		Loss:          loss,
		RemainingTime: remaining,
		Path:          slices.Clone(path),
		Owner:         owner,
		Descendants:   1,
	}
}

// Clone returns a deep copy, nil-safe.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Path = slices.Clone(r.Path)
	cp.Coord = r.Coord.Clone()
	return &cp
}

// Validate checks the structural invariants of a record.
func (r *Record) Validate() error {
	if r.Descendants < 1 {
		return fmt.Errorf("topic %d: descendants %d < 1", r.Topic, r.Descendants)
	}
	if r.Aggregate && len(r.Path) > 0 {
		return fmt.Errorf("topic %d: aggregate record carries a path", r.Topic)
	}
	if !r.Aggregate && len(r.Path) == 0 {
		return fmt.Errorf("topic %d: leaf record without a path", r.Topic)
	}
	if len(r.Path) > MaxPathLength {
		return fmt.Errorf("topic %d: path length %d exceeds %d", r.Topic, len(r.Path), MaxPathLength)
	}
	if r.Loss < 0 || r.Loss > 100 {
		return fmt.Errorf("topic %d: loss %d out of range", r.Topic, r.Loss)
	}
	return nil
}

// SpareBandwidth returns capacity minus used slots.
func (r *Record) SpareBandwidth() int {
	return r.Capacity - r.Used
}

// HasSpareBandwidth reports whether at least one slot is free.
func (r *Record) HasSpareBandwidth() bool {
	return r.SpareBandwidth() > 0
}

// HasGoodPerformance reports whether the loss estimate is below threshold.
func (r *Record) HasGoodPerformance(threshold int) bool {
	return r.Loss < threshold
}

// HasNoLoops reports whether t is absent from the record's path. Aggregates
// carry no path and always pass.
func (r *Record) HasNoLoops(t Token) bool {
	if r.Aggregate {
		return true
	}
	return !r.Path.Contains(t)
}

// Depth is the number of ancestors, or -1 for aggregates.
func (r *Record) Depth() int {
	if r.Aggregate {
		return -1
	}
	return len(r.Path)
}

// Distance returns the distance from the record's coordinate to c, +Inf when
// either side is unknown.
func (r *Record) Distance(c *Coordinate, fn DistanceFunc) float64 {
	if r.Coord == nil || c == nil {
		return math.Inf(1)
	}
	if fn == nil {
		fn = Euclidean
	}
	return fn(c, r.Coord)
}

// SameExceptStayTime compares everything but the remaining time and the push
// bookkeeping. A false result marks a local change worth pushing right away.
func (r *Record) SameExceptStayTime(o *Record) bool {
	if r == nil || o == nil {
		return false
	}
	return r.Topic == o.Topic &&
		r.Aggregate == o.Aggregate &&
		r.Descendants == o.Descendants &&
		r.Used == o.Used &&
		r.Capacity == o.Capacity &&
		r.Loss == o.Loss &&
		r.Owner == o.Owner &&
		r.Epoch == o.Epoch &&
		slices.Equal(r.Path, o.Path) &&
		r.Coord.Equal(o.Coord)
}

// StalenessPolicy selects how NegligibleChange decides.
type StalenessPolicy int

const (
	// StalenessAlways treats every change as significant, so every considered
	// topic is pushed.
	StalenessAlways StalenessPolicy = iota
	// StalenessCompare suppresses pushes whose difference stays within the
	// tolerances below.
	StalenessCompare
)

const (
	lossTolerance = 5
	timeTolerance = 5
)

func (s StalenessPolicy) String() string {
	switch s {
	case StalenessCompare:
		return "compare"
	default:
		return "always"
	}
}

// ParseStalenessPolicy maps a config value to a policy.
func ParseStalenessPolicy(s string) (StalenessPolicy, error) {
	switch s {
	case "", "always":
		return StalenessAlways, nil
	case "compare":
		return StalenessCompare, nil
	}
	return StalenessAlways, fmt.Errorf("unknown staleness policy %q", s)
}

// NegligibleChange reports whether r differs from o only slightly. Under
// StalenessAlways it is false unconditionally.
func (r *Record) NegligibleChange(o *Record, policy StalenessPolicy) bool {
	if policy == StalenessAlways || r == nil || o == nil {
		return false
	}
	if r.Aggregate != o.Aggregate || r.Descendants != o.Descendants {
		return false
	}
	if abs(r.RemainingTime-o.RemainingTime) > timeTolerance {
		return false
	}
	// small stay times are close to expiry; any change matters
	if r.RemainingTime != o.RemainingTime && (r.RemainingTime < timeTolerance || o.RemainingTime < timeTolerance) {
		return false
	}
	if !slices.Equal(r.Path, o.Path) || !r.Coord.Equal(o.Coord) {
		return false
	}
	if r.Used != o.Used || r.Capacity != o.Capacity {
		return false
	}
	return abs(r.Loss-o.Loss) <= lossTolerance
}

func (r *Record) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("[T:%d D:%d agg:%t load(%d,%d) loss(%d) time(%d) depth(%d)]",
		r.Topic, r.Descendants, r.Aggregate, r.Used, r.Capacity, r.Loss, r.RemainingTime, r.Depth())
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
