package wire

import (
	"github.com/iggydv12/treecast/internal/admission"
	"github.com/iggydv12/treecast/internal/metadata"
	"github.com/iggydv12/treecast/internal/search"
)

// FromUpdates encodes metadata updates.
func FromUpdates(batch []metadata.Update) []Update {
	out := make([]Update, 0, len(batch))
	for _, u := range batch {
		out = append(out, Update{Topic: int32(u.Topic), Record: metadata.Encode(u.Record)})
	}
	return out
}

// ToUpdates decodes updates. Truncated records are skipped and reported in
// the returned count.
func ToUpdates(dec *metadata.Decoder, in []Update) ([]metadata.Update, int) {
	out := make([]metadata.Update, 0, len(in))
	dropped := 0
	for _, u := range in {
		r, err := dec.Decode(u.Record)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, metadata.Update{Topic: metadata.TopicID(u.Topic), Record: r})
	}
	return out, dropped
}

// FromRequest encodes an in-flight search.
func FromRequest(req *search.Request) *SearchRequest {
	m := &SearchRequest{
		ID:             req.ID,
		Topic:          int32(req.TopicID),
		Kind:           int32(req.Type),
		RequesterID:    string(req.From.ID),
		RequesterToken: uint32(req.From.Token),
		Visited:        ids(req.Visited),
		Pending:        ids(req.Pending),
	}
	for _, t := range req.From.Path {
		m.RequesterPath = append(m.RequesterPath, uint32(t))
	}
	if c := req.From.Coord; c != nil {
		m.HasCoord = true
		m.CoordValues = append([]float64(nil), c.Values...)
		m.CoordStable = c.Stable
	}
	return m
}

// ToRequest decodes a search.
func ToRequest(m *SearchRequest) *search.Request {
	req := &search.Request{
		ID:      m.ID,
		TopicID: metadata.TopicID(m.Topic),
		Type:    search.Kind(m.Kind),
		From: admission.Requester{
			ID:    metadata.NodeID(m.RequesterID),
			Token: metadata.Token(m.RequesterToken),
		},
		Visited: nodeIDs(m.Visited),
		Pending: nodeIDs(m.Pending),
	}
	for _, t := range m.RequesterPath {
		req.From.Path = append(req.From.Path, metadata.Token(t))
	}
	if m.HasCoord {
		req.From.Coord = &metadata.Coordinate{
			Values: append([]float64(nil), m.CoordValues...),
			Stable: m.CoordStable,
		}
	}
	return req
}

// FromResult encodes a search answer.
func FromResult(res search.Result) *SearchResult {
	m := &SearchResult{
		ID:       res.RequestID,
		Topic:    int32(res.Topic),
		Kind:     int32(res.Kind),
		OK:       res.OK,
		Acceptor: string(res.Acceptor),
	}
	if res.Record != nil {
		m.Record = metadata.Encode(res.Record)
	}
	return m
}

// ToResult decodes a search answer.
func ToResult(dec *metadata.Decoder, m *SearchResult) (search.Result, error) {
	res := search.Result{
		RequestID: m.ID,
		Topic:     metadata.TopicID(m.Topic),
		Kind:      search.Kind(m.Kind),
		OK:        m.OK,
		Acceptor:  metadata.NodeID(m.Acceptor),
	}
	if len(m.Record) > 0 {
		r, err := dec.Decode(m.Record)
		if err != nil {
			return res, err
		}
		res.Record = r
	}
	return res, nil
}

func ids(in []metadata.NodeID) []string {
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = string(id)
	}
	return out
}

func nodeIDs(in []string) []metadata.NodeID {
	if len(in) == 0 {
		return nil
	}
	out := make([]metadata.NodeID, len(in))
	for i, id := range in {
		out[i] = metadata.NodeID(id)
	}
	return out
}
