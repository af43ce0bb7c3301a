// Package wire declares the Tree gRPC service and the messages it carries.
// Messages use the protobuf wire format; records inside them keep the fixed
// metadata layout.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Update is one record pushed to a parent.
type Update struct {
	Topic  int32
	Record []byte
}

// PushRequest carries a single child update.
type PushRequest struct {
	From   string
	Update Update
}

// BatchRequest carries piggybacked updates sharing one parent.
type BatchRequest struct {
	From    string
	Updates []Update
}

// AckRequest acknowledges the last update of a topic.
type AckRequest struct {
	From   string
	Topic  int32
	AtNano int64
}

// SearchRequest is an anycast or group metadata search handed to the next hop.
type SearchRequest struct {
	ID             string
	Topic          int32
	Kind           int32
	RequesterID    string
	RequesterToken uint32
	RequesterPath  []uint32
	HasCoord       bool
	CoordValues    []float64
	CoordStable    bool
	Visited        []string
	Pending        []string
}

// SearchResult answers a search.
type SearchResult struct {
	ID       string
	Topic    int32
	Kind     int32
	OK       bool
	Acceptor string
	Record   []byte
}

// Empty is the reply of every Tree method.
type Empty struct{}

func (m *Update) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, uint64(uint32(m.Topic)))
	b = appendBytes(b, 2, m.Record)
	return b, nil
}

func (m *Update) UnmarshalBinary(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			x, n := protowire.ConsumeVarint(v)
			m.Topic = int32(uint32(x))
			return n, nil
		case 2:
			x, n := protowire.ConsumeBytes(v)
			m.Record = append([]byte(nil), x...)
			return n, nil
		}
		return skip(num, typ, v)
	})
}

func (m *PushRequest) MarshalBinary() ([]byte, error) {
	u, _ := m.Update.MarshalBinary()
	var b []byte
	b = appendString(b, 1, m.From)
	b = appendBytes(b, 2, u)
	return b, nil
}

func (m *PushRequest) UnmarshalBinary(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			x, n := protowire.ConsumeString(v)
			m.From = x
			return n, nil
		case 2:
			x, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			return n, m.Update.UnmarshalBinary(x)
		}
		return skip(num, typ, v)
	})
}

func (m *BatchRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.From)
	for i := range m.Updates {
		u, _ := m.Updates[i].MarshalBinary()
		b = appendBytes(b, 2, u)
	}
	return b, nil
}

func (m *BatchRequest) UnmarshalBinary(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			x, n := protowire.ConsumeString(v)
			m.From = x
			return n, nil
		case 2:
			x, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			var u Update
			if err := u.UnmarshalBinary(x); err != nil {
				return n, err
			}
			m.Updates = append(m.Updates, u)
			return n, nil
		}
		return skip(num, typ, v)
	})
}

func (m *AckRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.From)
	b = appendVarint(b, 2, uint64(uint32(m.Topic)))
	b = appendVarint(b, 3, uint64(m.AtNano))
	return b, nil
}

func (m *AckRequest) UnmarshalBinary(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			x, n := protowire.ConsumeString(v)
			m.From = x
			return n, nil
		case 2:
			x, n := protowire.ConsumeVarint(v)
			m.Topic = int32(uint32(x))
			return n, nil
		case 3:
			x, n := protowire.ConsumeVarint(v)
			m.AtNano = int64(x)
			return n, nil
		}
		return skip(num, typ, v)
	})
}

func (m *SearchRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.ID)
	b = appendVarint(b, 2, uint64(uint32(m.Topic)))
	b = appendVarint(b, 3, uint64(uint32(m.Kind)))
	b = appendString(b, 4, m.RequesterID)
	b = protowire.AppendTag(b, 5, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, m.RequesterToken)
	if len(m.RequesterPath) > 0 {
		var packed []byte
		for _, t := range m.RequesterPath {
			packed = protowire.AppendFixed32(packed, t)
		}
		b = appendBytes(b, 6, packed)
	}
	if m.HasCoord {
		b = appendVarint(b, 7, 1)
		var packed []byte
		for _, v := range m.CoordValues {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = appendBytes(b, 8, packed)
		b = appendVarint(b, 9, protowire.EncodeBool(m.CoordStable))
	}
	for _, id := range m.Visited {
		b = appendString(b, 10, id)
	}
	for _, id := range m.Pending {
		b = appendString(b, 11, id)
	}
	return b, nil
}

func (m *SearchRequest) UnmarshalBinary(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			x, n := protowire.ConsumeString(v)
			m.ID = x
			return n, nil
		case 2:
			x, n := protowire.ConsumeVarint(v)
			m.Topic = int32(uint32(x))
			return n, nil
		case 3:
			x, n := protowire.ConsumeVarint(v)
			m.Kind = int32(uint32(x))
			return n, nil
		case 4:
			x, n := protowire.ConsumeString(v)
			m.RequesterID = x
			return n, nil
		case 5:
			x, n := protowire.ConsumeFixed32(v)
			m.RequesterToken = x
			return n, nil
		case 6:
			x, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			if len(x)%4 != 0 {
				return n, fmt.Errorf("requester path of %d bytes", len(x))
			}
			for len(x) > 0 {
				t, k := protowire.ConsumeFixed32(x)
				m.RequesterPath = append(m.RequesterPath, t)
				x = x[k:]
			}
			return n, nil
		case 7:
			x, n := protowire.ConsumeVarint(v)
			m.HasCoord = x != 0
			return n, nil
		case 8:
			x, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			if len(x)%8 != 0 {
				return n, fmt.Errorf("coordinate of %d bytes", len(x))
			}
			for len(x) > 0 {
				f, k := protowire.ConsumeFixed64(x)
				m.CoordValues = append(m.CoordValues, math.Float64frombits(f))
				x = x[k:]
			}
			return n, nil
		case 9:
			x, n := protowire.ConsumeVarint(v)
			m.CoordStable = protowire.DecodeBool(x)
			return n, nil
		case 10:
			x, n := protowire.ConsumeString(v)
			m.Visited = append(m.Visited, x)
			return n, nil
		case 11:
			x, n := protowire.ConsumeString(v)
			m.Pending = append(m.Pending, x)
			return n, nil
		}
		return skip(num, typ, v)
	})
}

func (m *SearchResult) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.ID)
	b = appendVarint(b, 2, uint64(uint32(m.Topic)))
	b = appendVarint(b, 3, uint64(uint32(m.Kind)))
	b = appendVarint(b, 4, protowire.EncodeBool(m.OK))
	b = appendString(b, 5, m.Acceptor)
	if len(m.Record) > 0 {
		b = appendBytes(b, 6, m.Record)
	}
	return b, nil
}

func (m *SearchResult) UnmarshalBinary(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			x, n := protowire.ConsumeString(v)
			m.ID = x
			return n, nil
		case 2:
			x, n := protowire.ConsumeVarint(v)
			m.Topic = int32(uint32(x))
			return n, nil
		case 3:
			x, n := protowire.ConsumeVarint(v)
			m.Kind = int32(uint32(x))
			return n, nil
		case 4:
			x, n := protowire.ConsumeVarint(v)
			m.OK = protowire.DecodeBool(x)
			return n, nil
		case 5:
			x, n := protowire.ConsumeString(v)
			m.Acceptor = x
			return n, nil
		case 6:
			x, n := protowire.ConsumeBytes(v)
			m.Record = append([]byte(nil), x...)
			return n, nil
		}
		return skip(num, typ, v)
	})
}

func (m *Empty) MarshalBinary() ([]byte, error) { return nil, nil }

func (m *Empty) UnmarshalBinary(b []byte) error {
	return walk(b, skip)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// walk calls field for every field in b. field returns how many bytes of v
// the value used, negative on a parse error.
func walk(b []byte, field func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, v), nil
}
