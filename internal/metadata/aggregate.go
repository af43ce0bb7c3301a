package metadata

import (
	"errors"
	"fmt"
	"time"
)

// ErrProtocolInvariant marks a local inconsistency between protocol inputs,
// such as folding records of different topics.
var ErrProtocolInvariant = errors.New("protocol invariant violation")

// InvariantError carries the topic and a description of the violation.
type InvariantError struct {
	Topic  TopicID
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: topic %d: %s", ErrProtocolInvariant, e.Topic, e.Reason)
}

func (e *InvariantError) Unwrap() error { return ErrProtocolInvariant }

// Aggregator folds records into subtree summaries. The coordinate of every
// aggregate is the aggregating node's own coordinate, used only as a distance
// proxy when ranking.
type Aggregator struct {
	coord *Coordinate
}

// NewAggregator returns an Aggregator stamping coord on its output.
func NewAggregator(coord *Coordinate) *Aggregator {
	return &Aggregator{coord: coord.Clone()}
}

// SetCoordinate replaces the coordinate stamped on future aggregates.
func (a *Aggregator) SetCoordinate(c *Coordinate) {
	a.coord = c.Clone()
}

// Coordinate returns a copy of the current coordinate.
func (a *Aggregator) Coordinate() *Coordinate {
	return a.coord.Clone()
}

// Aggregate folds x and y. A single present input is promoted to an
// aggregate; two inputs must share a topic and have descendants.
func (a *Aggregator) Aggregate(x, y *Record) (*Record, error) {
	switch {
	case x == nil && y == nil:
		return nil, nil
	case x == nil:
		return a.promote(y), nil
	case y == nil:
		return a.promote(x), nil
	}

	if x.Topic != y.Topic {
		return nil, &InvariantError{Topic: x.Topic, Reason: fmt.Sprintf("cannot aggregate with topic %d", y.Topic)}
	}
	if x.Descendants <= 0 || y.Descendants <= 0 {
		return nil, &InvariantError{
			Topic:  x.Topic,
			Reason: fmt.Sprintf("zero descendants (%d, %d)", x.Descendants, y.Descendants),
		}
	}

	d := x.Descendants + y.Descendants
	return &Record{
		Topic:         x.Topic,
		Aggregate:     true,
		Used:          x.Used + y.Used,
		Capacity:      x.Capacity + y.Capacity,
		Loss:          (x.Descendants*x.Loss + y.Descendants*y.Loss) / d,
		RemainingTime: (x.Descendants*x.RemainingTime + y.Descendants*y.RemainingTime) / d,
		Descendants:   d,
		Coord:         a.coord.Clone(),
		Epoch:         min(x.Epoch, y.Epoch),
	}, nil
}

// Fold aggregates all records left to right, returning nil for no input.
func (a *Aggregator) Fold(records ...*Record) (*Record, error) {
	var acc *Record
	for _, r := range records {
		next, err := a.Aggregate(acc, r)
		if err != nil {
			return nil, err
		}
		acc = next
	}
	return acc, nil
}

func (a *Aggregator) promote(r *Record) *Record {
	cp := r.Clone()
	cp.Aggregate = true
	cp.Path = nil
	cp.Owner = 0
	cp.Coord = a.coord.Clone()
	cp.PushedTo = ""
	cp.PushedAt = time.Time{}
	cp.AckedAt = time.Time{}
	return cp
}
