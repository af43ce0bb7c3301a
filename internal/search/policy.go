package search

import (
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/iggydv12/treecast/internal/admission"
	"github.com/iggydv12/treecast/internal/metadata"
	"github.com/iggydv12/treecast/internal/ranking"
)

const (
	DefaultMaxHops   = 20
	DefaultMaxFanout = 5
)

// Outcome reports what a visit did to the message.
type Outcome int

const (
	// Extended means children and/or the parent were queued.
	Extended Outcome = iota
	// Capped means visited plus pending already filled the hop budget and
	// the message moves on unchanged.
	Capped
	// Exhausted means the message visited as many nodes as allowed; the
	// requester should be told the search failed.
	Exhausted
	// AtRoot means a group metadata request reached the topic root, which
	// answers it instead of forwarding.
	AtRoot
	// Skipped means the message kind is routed elsewhere.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Capped:
		return "capped"
	case Exhausted:
		return "exhausted"
	case AtRoot:
		return "at-root"
	case Skipped:
		return "skipped"
	default:
		return "extended"
	}
}

// Hop is the local tree view at the node handling the message.
type Hop struct {
	Parent    metadata.NodeID
	HasParent bool
	Children  []metadata.NodeID
	IsRoot    bool
	// Cache is nil when nothing was ever cached for the topic.
	Cache *metadata.GroupCache
}

// Config holds the tunables of a Policy.
type Config struct {
	Ranker    ranking.Ranker
	MaxHops   int
	MaxFanout int
	// Shuffle randomizes children before ranking so equal candidates are
	// spread across searches.
	Shuffle bool
}

// Policy decides which nodes an anycast visits next.
type Policy struct {
	admit  *admission.Predicate
	cfg    Config
	rng    *rand.Rand
	logger *zap.Logger
}

// NewPolicy returns a Policy using admit to filter children.
func NewPolicy(admit *admission.Predicate, cfg Config, logger *zap.Logger) *Policy {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	if cfg.MaxFanout <= 0 {
		cfg.MaxFanout = DefaultMaxFanout
	}
	return &Policy{
		admit:  admit,
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger: logger.Named("search"),
	}
}

// Visit updates msg's pending queue for this hop.
func (p *Policy) Visit(msg Message, hop Hop) Outcome {
	switch msg.Kind() {
	case Subscribe:
		return Skipped
	case GroupMetadata:
		return p.towardRoot(msg, hop)
	}

	if msg.VisitedCount() >= p.cfg.MaxHops {
		p.logger.Debug("Hop limit reached",
			zap.Int32("topic", int32(msg.Topic())),
			zap.Int("visited", msg.VisitedCount()),
		)
		return Exhausted
	}
	if msg.VisitedCount()+msg.PendingCount() >= p.cfg.MaxHops {
		return Capped
	}

	if hop.HasParent {
		msg.AddLast(hop.Parent)
	}

	ordered := p.Candidates(msg.Requester(), hop)
	for i := len(ordered) - 1; i >= 0; i-- {
		if msg.Known(ordered[i].ID) {
			continue
		}
		if msg.VisitedCount()+msg.PendingCount() >= p.cfg.MaxHops {
			if _, ok := msg.RemoveLastFromPending(); !ok {
				break
			}
		}
		msg.AddFirst(ordered[i].ID)
	}
	if ce := p.logger.Check(zap.DebugLevel, "Anycast visit"); ce != nil {
		ce.Write(
			zap.Int32("topic", int32(msg.Topic())),
			zap.Int("children", len(hop.Children)),
			zap.Int("chosen", len(ordered)),
			zap.Int("pending", msg.PendingCount()),
		)
	}
	return Extended
}

// Candidates filters, ranks, leaf-biases and truncates the children of hop.
func (p *Policy) Candidates(req admission.Requester, hop Hop) []ranking.Candidate {
	children := append([]metadata.NodeID(nil), hop.Children...)
	if p.cfg.Shuffle {
		p.rng.Shuffle(len(children), func(i, j int) { children[i], children[j] = children[j], children[i] })
	}

	cands := make([]ranking.Candidate, 0, len(children))
	for _, id := range children {
		if hop.Cache == nil {
			cands = append(cands, ranking.Candidate{ID: id})
			continue
		}
		r, _ := hop.Cache.Record(id)
		if p.admit.Accept(id, r, req) {
			cands = append(cands, ranking.Candidate{ID: id, Record: r})
		}
	}

	if hop.Cache != nil {
		cands = p.cfg.Ranker.Order(cands, req.Coord)
		cands = ranking.LeafBias(cands)
	}
	if len(cands) > p.cfg.MaxFanout {
		cands = cands[:p.cfg.MaxFanout]
	}
	return cands
}

func (p *Policy) towardRoot(msg Message, hop Hop) Outcome {
	if hop.IsRoot {
		return AtRoot
	}
	if msg.VisitedCount() >= p.cfg.MaxHops {
		return Exhausted
	}
	if hop.HasParent {
		msg.AddFirst(hop.Parent)
	}
	return Extended
}
