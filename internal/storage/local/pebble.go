package local

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/iggydv12/treecast/internal/metadata"
)

var (
	epochKey   = []byte("epoch")
	leafPrefix = []byte("leaf/")
)

// PebbleStorage is a Pebble LSM-tree backed LeafStorage.
type PebbleStorage struct {
	db      *pebble.DB
	path    string
	decoder *metadata.Decoder
	logger  *zap.Logger
}

var _ LeafStorage = (*PebbleStorage)(nil)

// NewPebbleStorage creates a PebbleStorage instance (not yet opened).
func NewPebbleStorage(dbPath string, logger *zap.Logger) *PebbleStorage {
	return &PebbleStorage{
		path:    dbPath,
		decoder: metadata.NewDecoder(logger),
		logger:  logger.Named("pebble"),
	}
}

// Init opens the Pebble database. A previous process may still hold the
// directory lock, so opening is retried for a few seconds.
func (p *PebbleStorage) Init() error {
	opts := &pebble.Options{
		Logger: &pebbleLogger{p.logger},
	}
	err := retry.Do(func() error {
		db, err := pebble.Open(p.path, opts)
		if err != nil {
			return err
		}
		p.db = db
		return nil
	},
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("Pebble open retry", zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("pebble open %s: %w", p.path, err)
	}
	p.logger.Info("Pebble storage opened", zap.String("path", p.path))
	return nil
}

// Close flushes and closes the database.
func (p *PebbleStorage) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Epoch returns the stored run epoch.
func (p *PebbleStorage) Epoch() (uint8, error) {
	data, closer, err := p.db.Get(epochKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pebble get epoch: %w", err)
	}
	defer closer.Close()
	if len(data) != 1 {
		return 0, fmt.Errorf("epoch of %d bytes", len(data))
	}
	return data[0], nil
}

// BumpEpoch increments the run epoch, wrapping at 255.
func (p *PebbleStorage) BumpEpoch() (uint8, error) {
	e, err := p.Epoch()
	if err != nil {
		return 0, err
	}
	e++
	if err := p.db.Set(epochKey, []byte{e}, pebble.Sync); err != nil {
		return 0, fmt.Errorf("pebble set epoch: %w", err)
	}
	return e, nil
}

// SaveLeaf stores r under its topic.
func (p *PebbleStorage) SaveLeaf(r *metadata.Record) error {
	if r.Aggregate {
		return fmt.Errorf("topic %d: aggregate records are not stored", r.Topic)
	}
	if err := p.db.Set(leafKey(r.Topic), metadata.Encode(r), pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

// DeleteLeaf removes the leaf of topic.
func (p *PebbleStorage) DeleteLeaf(topic metadata.TopicID) error {
	if err := p.db.Delete(leafKey(topic), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

// Leaves loads every stored leaf. Entries that no longer decode are skipped.
func (p *PebbleStorage) Leaves() ([]*metadata.Record, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: leafPrefix,
		UpperBound: prefixEnd(leafPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var out []*metadata.Record
	for iter.First(); iter.Valid(); iter.Next() {
		r, err := p.decoder.Decode(iter.Value())
		if err != nil {
			p.logger.Warn("Skipping unreadable leaf", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Truncate deletes all stored keys.
func (p *PebbleStorage) Truncate() error {
	iter, err := p.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var keys [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		keys = append(keys, k)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	for _, k := range keys {
		if err := batch.Delete(k, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// leafKey orders leaves by topic: the sign bit is flipped so negative topics
// sort first.
func leafKey(topic metadata.TopicID) []byte {
	k := append([]byte(nil), leafPrefix...)
	return binary.BigEndian.AppendUint32(k, uint32(topic)^0x80000000)
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.z.Sugar().Errorf(format, args...)
}
