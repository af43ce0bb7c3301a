// Package ranking orders anycast candidates by the metadata their subtree
// reported. Every ordering is stable: candidates with equal keys keep their
// input order.
package ranking

import (
	"fmt"
	"math"
	"sort"

	"github.com/iggydv12/treecast/internal/metadata"
)

// Policy selects the ordering applied to admitted candidates.
type Policy int

const (
	Random Policy = iota
	Bandwidth
	Locality
	Depth
	RemainingTime
	Combined
)

func (p Policy) String() string {
	switch p {
	case Bandwidth:
		return "bandwidth"
	case Locality:
		return "locality"
	case Depth:
		return "depth"
	case RemainingTime:
		return "time"
	case Combined:
		return "combined"
	default:
		return "random"
	}
}

// ParsePolicy maps a config value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "random":
		return Random, nil
	case "bandwidth":
		return Bandwidth, nil
	case "locality":
		return Locality, nil
	case "depth":
		return Depth, nil
	case "", "time":
		return RemainingTime, nil
	case "combined":
		return Combined, nil
	}
	return Random, fmt.Errorf("unknown ranking policy %q", s)
}

// Candidate is a child of the visited node together with its cached record.
// Record is nil when nothing is cached for the child.
type Candidate struct {
	ID     metadata.NodeID
	Record *metadata.Record
}

// Ranker applies a Policy. Distance defaults to metadata.Euclidean.
type Ranker struct {
	Policy   Policy
	Distance metadata.DistanceFunc
}

// Order returns a new slice with cands ordered by the ranker's policy.
// requester is the coordinate of the search initiator, used by Locality
// and Combined.
func (r *Ranker) Order(cands []Candidate, requester *metadata.Coordinate) []Candidate {
	switch r.Policy {
	case Bandwidth:
		return byKey(cands, func(c Candidate) float64 { return -bandwidth(c) })
	case Locality:
		return byKey(cands, func(c Candidate) float64 { return r.distance(c, requester) })
	case Depth:
		return byKey(cands, depth)
	case RemainingTime:
		return byKey(cands, func(c Candidate) float64 { return -remaining(c) })
	case Combined:
		return r.combined(cands, requester)
	default:
		return append([]Candidate(nil), cands...)
	}
}

// combined sums each candidate's position in the locality and the remaining
// time orderings and sorts ascending on that sum.
func (r *Ranker) combined(cands []Candidate, requester *metadata.Coordinate) []Candidate {
	score := make(map[int]int, len(cands))
	addPositions := func(key func(Candidate) float64) {
		for pos, idx := range stableIndex(cands, key) {
			score[idx] += pos
		}
	}
	addPositions(func(c Candidate) float64 { return r.distance(c, requester) })
	addPositions(func(c Candidate) float64 { return -remaining(c) })

	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return score[order[a]] < score[order[b]] })
	return pick(cands, order)
}

func (r *Ranker) distance(c Candidate, requester *metadata.Coordinate) float64 {
	if c.Record == nil {
		return math.Inf(1)
	}
	d := c.Record.Distance(requester, r.Distance)
	if math.IsNaN(d) {
		return math.Inf(1)
	}
	return d
}

// LeafBias stably partitions cands into leaf records, then aggregates, then
// candidates without metadata.
func LeafBias(cands []Candidate) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, keep := range []func(Candidate) bool{
		func(c Candidate) bool { return c.Record != nil && !c.Record.Aggregate },
		func(c Candidate) bool { return c.Record != nil && c.Record.Aggregate },
		func(c Candidate) bool { return c.Record == nil },
	} {
		for _, c := range cands {
			if keep(c) {
				out = append(out, c)
			}
		}
	}
	return out
}

// byKey orders ascending on key; ties keep input order.
func byKey(cands []Candidate, key func(Candidate) float64) []Candidate {
	return pick(cands, stableIndex(cands, key))
}

// stableIndex returns input indexes sorted by (key, index).
func stableIndex(cands []Candidate, key func(Candidate) float64) []int {
	keys := make([]float64, len(cands))
	order := make([]int, len(cands))
	for i, c := range cands {
		keys[i] = key(c)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return keys[order[a]] < keys[order[b]] })
	return order
}

func pick(cands []Candidate, order []int) []Candidate {
	out := make([]Candidate, len(order))
	for i, idx := range order {
		out[i] = cands[idx]
	}
	return out
}

func bandwidth(c Candidate) float64 {
	if c.Record == nil {
		return math.Inf(-1)
	}
	return float64(c.Record.SpareBandwidth())
}

func remaining(c Candidate) float64 {
	if c.Record == nil {
		return math.Inf(-1)
	}
	return float64(c.Record.RemainingTime)
}

func depth(c Candidate) float64 {
	if c.Record == nil || c.Record.Aggregate {
		return math.Inf(1)
	}
	return float64(c.Record.Depth())
}
