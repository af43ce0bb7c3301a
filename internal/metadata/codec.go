package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

const (
	recordTag = 0x4d

	// MaxPathLength bounds leaf paths; longer decoded lengths are cleared.
	MaxPathLength = 100
)

// ErrMalformedRecord is returned when a buffer is too short or carries an
// unknown tag. Out-of-range fields are sanitized instead.
var ErrMalformedRecord = errors.New("malformed metadata record")

// Update pairs a record with the topic it reports on, as carried in batches.
type Update struct {
	Topic  TopicID
	Record *Record
}

// Encode serializes r. Push bookkeeping is never written.
func Encode(r *Record) []byte {
	return AppendRecord(make([]byte, 0, 32+4*len(r.Path)), r)
}

// AppendRecord appends the encoding of r to dst.
func AppendRecord(dst []byte, r *Record) []byte {
	dst = append(dst, recordTag)
	dst = binary.BigEndian.AppendUint32(dst, uint32(r.Topic))
	dst = append(dst, boolByte(r.Aggregate))
	dst = binary.BigEndian.AppendUint16(dst, clampUint16(r.Used))
	dst = binary.BigEndian.AppendUint16(dst, clampUint16(r.Capacity))
	dst = binary.BigEndian.AppendUint16(dst, clampUint16(r.Loss))
	dst = binary.BigEndian.AppendUint32(dst, uint32(int32(r.RemainingTime)))

	// Aggregates have no path; the length is always written as zero for them.
	path := r.Path
	if r.Aggregate || len(path) > MaxPathLength {
		path = nil
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(path)))
	for _, t := range path {
		dst = binary.BigEndian.AppendUint32(dst, uint32(t))
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(int32(r.Descendants)))
	if r.Coord == nil {
		dst = append(dst, 0)
	} else {
		n := min(len(r.Coord.Values), math.MaxUint8)
		dst = append(dst, 1, uint8(n), boolByte(r.Coord.Stable))
		for _, v := range r.Coord.Values[:n] {
			dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(v))
		}
	}
	dst = append(dst, r.Epoch)
	if !r.Aggregate {
		dst = binary.BigEndian.AppendUint32(dst, uint32(r.Owner))
	}
	return dst
}

// Decoder parses records and logs every field it had to sanitize.
type Decoder struct {
	logger *zap.Logger
}

// NewDecoder returns a Decoder logging to logger.
func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger.Named("codec")}
}

// Decode parses one record from b.
func (d *Decoder) Decode(b []byte) (*Record, error) {
	rd := reader{buf: b}
	if tag := rd.byte(); tag != recordTag {
		if rd.err != nil {
			return nil, rd.err
		}
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrMalformedRecord, tag)
	}

	r := &Record{}
	r.Topic = TopicID(int32(rd.uint32()))
	r.Aggregate = rd.byte() != 0
	r.Used = int(rd.uint16())
	r.Capacity = int(rd.uint16())
	r.Loss = int(rd.uint16())
	r.RemainingTime = int(int32(rd.uint32()))

	n := int(rd.uint16())
	if n > MaxPathLength {
		d.logger.Warn("Path length out of range, clearing path",
			zap.Int32("topic", int32(r.Topic)),
			zap.Int("length", n),
		)
		n = 0
	}
	if n > 0 {
		r.Path = make(Path, n)
		for i := range r.Path {
			r.Path[i] = Token(rd.uint32())
		}
	}

	r.Descendants = int(int32(rd.uint32()))
	if rd.byte() != 0 {
		dims := int(rd.byte())
		c := &Coordinate{Stable: rd.byte() != 0, Values: make([]float64, dims)}
		for i := range c.Values {
			c.Values[i] = math.Float64frombits(rd.uint64())
		}
		r.Coord = c
	}
	r.Epoch = rd.byte()
	if !r.Aggregate {
		r.Owner = Token(rd.uint32())
	}
	if rd.err != nil {
		return nil, rd.err
	}

	d.sanitize(r)
	return r, nil
}

func (d *Decoder) sanitize(r *Record) {
	if r.Loss > 100 {
		d.logger.Warn("Loss estimate out of range", zap.Int32("topic", int32(r.Topic)), zap.Int("loss", r.Loss))
		r.Loss = 100
	}
	if r.Descendants < 1 {
		d.logger.Warn("Descendant count out of range", zap.Int32("topic", int32(r.Topic)), zap.Int("descendants", r.Descendants))
		r.Descendants = 1
	}
	if r.Aggregate && len(r.Path) > 0 {
		r.Path = nil
	}
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedRecord, n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func clampUint16(v int) uint16 {
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}
