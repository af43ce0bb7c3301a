// Package admission decides whether a child subtree may receive an anycast
// search based on the metadata it last reported.
package admission

import (
	"github.com/iggydv12/treecast/internal/metadata"
)

// DefaultLossThreshold is the loss estimate at which a leaf stops counting
// as well performing.
const DefaultLossThreshold = 50

// Requester identifies the initiator of a search.
type Requester struct {
	ID    metadata.NodeID
	Token metadata.Token
	Path  metadata.Path
	Coord *metadata.Coordinate
}

// Predicate is the admission rule applied to every candidate child.
type Predicate struct {
	LossThreshold   int
	FastConvergence bool
}

// New returns a Predicate with the given threshold and fast convergence flag.
// A zero threshold selects DefaultLossThreshold.
func New(lossThreshold int, fastConvergence bool) *Predicate {
	if lossThreshold <= 0 {
		lossThreshold = DefaultLossThreshold
	}
	return &Predicate{LossThreshold: lossThreshold, FastConvergence: fastConvergence}
}

// Accept reports whether child, described by r, may be visited on behalf of
// req.
func (p *Predicate) Accept(child metadata.NodeID, r *metadata.Record, req Requester) bool {
	if r == nil {
		return false
	}
	if !r.Aggregate && child == req.ID {
		return false
	}
	if r.Aggregate {
		return r.HasSpareBandwidth()
	}
	if !r.HasSpareBandwidth() {
		return false
	}
	if !r.HasGoodPerformance(p.LossThreshold) {
		if !p.FastConvergence || !FastConvergence(req.Token, req.Path, r) {
			return false
		}
	}
	return r.HasNoLoops(req.Token)
}

// FastConvergence lets a lossy leaf through when it sits in a sibling
// subtree that orders after the requester's under their lowest common
// ancestor. For any two such leaves exactly one direction is approved.
func FastConvergence(reqToken metadata.Token, reqPath metadata.Path, cand *metadata.Record) bool {
	if len(reqPath) == 0 {
		return true
	}
	if cand == nil || cand.Aggregate {
		return false
	}

	caReq, caSelf := -1, -1
	for i, t := range reqPath {
		if j := cand.Path.Index(t); j >= 0 {
			caReq, caSelf = i, j
			break
		}
	}
	if caReq < 0 {
		return false
	}

	idX := reqToken
	if caReq > 0 {
		idX = reqPath[caReq-1]
	}
	idY := cand.Owner
	if caSelf > 0 {
		idY = cand.Path[caSelf-1]
	}
	return uint32(idY) > uint32(idX)
}
