// Package store adapts the sliding-HyperLogLog sparse/dense keyspaces
// onto an embedded sorted KV store. One physical bucket holds both
// keyspaces, distinguished by key prefix.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// densePrefix is the literal key prefix marking a dense blob entry.
const densePrefix = "dense~"

var bucketSets = []byte("sets")

// DenseSentinel is the single-byte value written to a sparse slot
// once its set has been promoted to dense, blocking accidental
// re-promotion.
var DenseSentinel = []byte("-")

// Store wraps an embedded bbolt database with the sparse/dense
// keyspace conventions the set manager relies on.
type Store struct {
	db *bbolt.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	opsTotal     metric.Int64Counter
}

// Open creates or opens the store at dbPath with a bounded open
// timeout, an array freelist, and fsync on by default for durability.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}

	db, err := bbolt.Open(dbPath, 0o600, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open boltdb")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSets)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create sets bucket")
	}

	readLatency, _ := meter.Float64Histogram("sliding_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("sliding_store_write_ms")
	opsTotal, _ := meter.Int64Counter("sliding_store_ops_total")

	return &Store{db: db, readLatency: readLatency, writeLatency: writeLatency, opsTotal: opsTotal}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func denseKey(name string) []byte {
	return []byte(densePrefix + name)
}

// GetSparse returns the raw sparse-keyspace value for name. A nil
// slice with found=false means the set does not exist yet.
func (s *Store) GetSparse(ctx context.Context, name string) (value []byte, found bool, err error) {
	return s.get(ctx, []byte(name), "get_sparse")
}

// PutSparse writes the raw sparse-keyspace value for name.
func (s *Store) PutSparse(ctx context.Context, name string, value []byte) error {
	return s.put(ctx, []byte(name), value, "put_sparse")
}

// GetDense returns the serialized dense blob for name.
func (s *Store) GetDense(ctx context.Context, name string) (value []byte, found bool, err error) {
	return s.get(ctx, denseKey(name), "get_dense")
}

// PutDense writes the serialized dense blob for name.
func (s *Store) PutDense(ctx context.Context, name string, value []byte) error {
	return s.put(ctx, denseKey(name), value, "put_dense")
}

// Delete removes both the sparse and dense entries for name, used by
// the manager's vacuum of dropped sets and by Set.Delete.
func (s *Store) Delete(ctx context.Context, name string) error {
	start := time.Now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSets)
		if err := b.Delete([]byte(name)); err != nil {
			return err
		}
		return b.Delete(denseKey(name))
	})
	s.recordWrite(ctx, start, "delete")
	if err != nil {
		return errors.Wrap(err, "delete set")
	}
	return nil
}

// ListNames returns every sparse-keyspace key (i.e. every known set
// name) whose name has the given prefix. An empty prefix matches all
// sets.
func (s *Store) ListNames(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSets)
		c := b.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil; k, _ = c.Next() {
			if hasPrefix(k, []byte(densePrefix)) {
				continue
			}
			if !hasPrefix(k, p) {
				if len(p) > 0 {
					break
				}
				continue
			}
			names = append(names, string(k))
		}
		return nil
	})
	s.opsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "list")))
	if err != nil {
		return nil, errors.Wrap(err, "list set names")
	}
	return names, nil
}

func (s *Store) get(ctx context.Context, key []byte, op string) ([]byte, bool, error) {
	start := time.Now()
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSets)
		v := b.Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	s.recordRead(ctx, start, op)
	if err != nil {
		return nil, false, errors.Wrap(err, op)
	}
	return value, value != nil, nil
}

func (s *Store) put(ctx context.Context, key, value []byte, op string) error {
	start := time.Now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSets)
		return b.Put(key, value)
	})
	s.recordWrite(ctx, start, op)
	if err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (s *Store) recordRead(ctx context.Context, start time.Time, op string) {
	s.readLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attribute.String("op", op)))
	s.opsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (s *Store) recordWrite(ctx context.Context, start time.Time, op string) {
	s.writeLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attribute.String("op", op)))
	s.opsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
