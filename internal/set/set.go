// Package set implements one logical sliding-HyperLogLog set: its
// proxied/resident lifecycle, dirty tracking, and the coarse
// mutex + inner spinlock discipline that keeps register updates O(1)
// while I/O only ever happens outside the spinlock.
package set

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/authbox-lib/sliding/internal/mixer"
	"github.com/authbox-lib/sliding/internal/shll"
	"github.com/authbox-lib/sliding/internal/store"
)

// ErrNotProxied is returned by Clear, which only succeeds on a
// proxied set.
var ErrNotProxied = errors.New("set: operation requires a proxied set")

// Counters is a point-in-time snapshot of a set's lifetime activity.
type Counters struct {
	PageIns  uint64
	PageOuts uint64
	Sets     uint64
}

// Set is one named sHLL instance: proxied (no in-memory structure),
// or resident in either its sparse or dense representation.
type Set struct {
	Name string
	cfg  shll.Config

	store *store.Store

	mu       sync.Mutex // coarse: fault-in, flush, promotion write-through, close, clear, delete, proxied-state reads
	spin     sync.Mutex // inner: register add + register-vector read
	proxied  bool
	dirty    bool
	inMemory bool

	dense  *shll.Dense
	sparse *shll.Sparse

	pageIns  atomic.Uint64
	pageOuts atomic.Uint64
	sets     atomic.Uint64
}

// New constructs a freshly created, proxied set. No in-memory
// structure exists until the first Add or Size call faults it in.
func New(name string, cfg shll.Config, st *store.Store, inMemory bool) *Set {
	return &Set{Name: name, cfg: cfg, store: st, proxied: true, inMemory: inMemory}
}

// IsProxied reports whether the set currently holds no in-memory
// structure.
func (s *Set) IsProxied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxied
}

// Counters returns a snapshot of the lifetime counters.
func (s *Set) Counters() Counters {
	return Counters{PageIns: s.pageIns.Load(), PageOuts: s.pageOuts.Load(), Sets: s.sets.Load()}
}

// faultIn materializes the in-memory structure if the set is
// currently proxied, double-checking under the coarse mutex.
func (s *Set) faultIn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.proxied {
		return nil
	}

	if s.inMemory {
		sp, err := shll.NewSparse(s.cfg)
		if err != nil {
			return errors.Wrap(err, "fault-in: init sparse")
		}
		s.sparse = sp
		s.dense = nil
		s.proxied = false
		s.pageIns.Add(1)
		return nil
	}

	raw, found, err := s.store.GetSparse(ctx, s.Name)
	if err != nil {
		return errors.Wrap(err, "fault-in: read sparse entry")
	}

	switch {
	case !found:
		sp, err := shll.NewSparse(s.cfg)
		if err != nil {
			return errors.Wrap(err, "fault-in: init sparse")
		}
		s.sparse = sp
		s.dense = nil
	case len(raw) == 1:
		blob, found, err := s.store.GetDense(ctx, s.Name)
		if err != nil {
			return errors.Wrap(err, "fault-in: read dense blob")
		}
		if !found {
			d, err := shll.NewDense(s.cfg)
			if err != nil {
				return errors.Wrap(err, "fault-in: init dense")
			}
			s.dense = d
		} else {
			d, err := shll.Decode(blob)
			if err != nil {
				return errors.Wrap(err, "fault-in: decode dense blob")
			}
			s.dense = d
		}
		s.sparse = nil
	default:
		sp, err := shll.DecodePoints(s.cfg, raw)
		if err != nil {
			return errors.Wrap(err, "fault-in: decode sparse points")
		}
		s.sparse = sp
		s.dense = nil
	}

	s.proxied = false
	s.pageIns.Add(1)
	return nil
}

// Add hashes key and records an observation at timestamp.
func (s *Set) Add(ctx context.Context, key []byte, timestamp int64) error {
	return s.AddHash(ctx, mixer.Hash(key), timestamp)
}

// AddHash records an already-hashed observation at timestamp,
// promoting sparse->dense when SparseMaxKeys would be exceeded. The
// expensive allocate-and-replay work of promotion never runs while
// the spinlock is held (see promote).
func (s *Set) AddHash(ctx context.Context, hash uint64, timestamp int64) error {
	if s.IsProxied() {
		if err := s.faultIn(ctx); err != nil {
			return err
		}
	}

	s.spin.Lock()
	if s.dense != nil {
		s.dense.AddHash(hash, timestamp)
		s.dirty = true
		s.sets.Add(1)
		s.spin.Unlock()
		return nil
	}

	s.sparse.Add(hash, timestamp)
	needsPromote := s.sparse.Len() > shll.SparseMaxKeys
	s.dirty = true
	s.sets.Add(1)
	s.spin.Unlock()

	if needsPromote {
		return s.promote(ctx)
	}
	return nil
}

// promote converts the resident sparse representation to dense. The
// sparse structure being converted is detached under a brief spinlock
// hold and replaced with a fresh one, so ConvertToDense's O(2^p)
// allocation and point replay run with no lock held at all; any
// observations that land in the fresh sparse while that conversion is
// in flight are replayed into the new dense structure before it is
// swapped in. The promoted form is written through to the store
// immediately (when persisted) so the dense key and sparse sentinel
// are visible without waiting for the next flush cycle.
func (s *Set) promote(ctx context.Context) error {
	s.spin.Lock()
	if s.dense != nil {
		s.spin.Unlock()
		return nil
	}
	old := s.sparse
	fresh, err := shll.NewSparse(s.cfg)
	if err != nil {
		s.spin.Unlock()
		return errors.Wrap(err, "promote to dense: init replacement sparse")
	}
	s.sparse = fresh
	s.spin.Unlock()

	dense, err := old.ConvertToDense()
	if err != nil {
		return errors.Wrap(err, "promote to dense")
	}

	s.spin.Lock()
	for _, p := range s.sparse.Points() {
		dense.AddHash(p.Hash, p.Timestamp)
	}
	s.dense = dense
	s.sparse = nil
	s.dirty = true
	blob, encErr := shll.Encode(dense)
	s.spin.Unlock()

	if s.inMemory || encErr != nil {
		return encErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.PutDense(ctx, s.Name, blob); err != nil {
		return errors.Wrap(err, "write-through dense blob on promotion")
	}
	if err := s.store.PutSparse(ctx, s.Name, store.DenseSentinel); err != nil {
		return errors.Wrap(err, "write-through dense sentinel on promotion")
	}
	s.spin.Lock()
	s.dirty = false
	s.spin.Unlock()
	return nil
}

// Size estimates the distinct-count over the trailing window
// [currentTime-window, currentTime].
func (s *Set) Size(ctx context.Context, window, currentTime int64) (uint64, error) {
	if s.IsProxied() {
		if err := s.faultIn(ctx); err != nil {
			return 0, err
		}
	}

	s.spin.Lock()
	defer s.spin.Unlock()

	if s.dense != nil {
		return s.dense.Size(window, currentTime), nil
	}
	return s.sparse.Size(window, currentTime), nil
}

// SizeTotal estimates the distinct-count over the full window period.
func (s *Set) SizeTotal(ctx context.Context, currentTime int64) (uint64, error) {
	return s.Size(ctx, s.cfg.WindowPeriod, currentTime)
}

// Dense returns the resident dense structure for union queries,
// faulting in and promoting from sparse first if necessary. The
// returned pointer must only be read under the caller's own
// synchronization; internal callers hold the manager's epoch
// checkpoint for the duration of use.
func (s *Set) Dense(ctx context.Context) (*shll.Dense, error) {
	if s.IsProxied() {
		if err := s.faultIn(ctx); err != nil {
			return nil, err
		}
	}

	s.spin.Lock()
	resident := s.dense != nil
	s.spin.Unlock()

	if !resident {
		if err := s.promote(ctx); err != nil {
			return nil, errors.Wrap(err, "promote to dense for union")
		}
	}

	s.spin.Lock()
	defer s.spin.Unlock()
	return s.dense, nil
}

// Flush persists the in-memory dense or sparse structure if dirty;
// no-op if proxied, in-memory-only, or clean. The dirty flag is
// cleared under the spinlock before encoding; a write that lands after
// that spinlock hold sets it again, so the next flush writes the set
// once more even if this flush already captured the write.
func (s *Set) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proxied || s.inMemory || !s.dirty {
		return nil
	}

	s.spin.Lock()
	s.dirty = false
	var blob []byte
	var err error
	if s.dense != nil {
		blob, err = shll.Encode(s.dense)
	}
	s.spin.Unlock()
	if err != nil {
		return errors.Wrap(err, "encode dense blob")
	}

	if s.dense != nil {
		if err := s.store.PutDense(ctx, s.Name, blob); err != nil {
			return errors.Wrap(err, "write dense blob")
		}
		if err := s.store.PutSparse(ctx, s.Name, store.DenseSentinel); err != nil {
			return errors.Wrap(err, "write dense sentinel")
		}
	} else {
		encoded := shll.EncodePoints(s.sparse)
		if err := s.store.PutSparse(ctx, s.Name, encoded); err != nil {
			return errors.Wrap(err, "write sparse points")
		}
	}
	return nil
}

// Close flushes (if needed) and releases in-memory state, returning
// the set to proxied. Idempotent.
func (s *Set) Close(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proxied {
		return nil
	}
	s.dense = nil
	s.sparse = nil
	s.proxied = true
	s.pageOuts.Add(1)
	return nil
}

// Clear confirms the set is proxied, the safe cold-unmanage
// operation: it only ever succeeds when there is no resident
// in-memory structure to discard. A resident set must go through
// Close (which flushes first) rather than Clear, so live un-flushed
// data is never silently dropped.
func (s *Set) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.proxied {
		return ErrNotProxied
	}
	return nil
}

// Delete closes the set and removes its KV entries.
func (s *Set) Delete(ctx context.Context) error {
	s.mu.Lock()
	s.dense = nil
	s.sparse = nil
	s.dirty = false
	s.proxied = true
	s.mu.Unlock()

	return s.store.Delete(ctx, s.Name)
}

// Config returns the set's sHLL configuration.
func (s *Set) Config() shll.Config { return s.cfg }
