package shll

// SparseMaxKeys is the promotion threshold: once a sparse point list
// would hold more than this many entries it is converted to Dense.
const SparseMaxKeys = 16

// Point is one sparse-representation sample: a raw 64-bit hash plus
// the Unix timestamp it was observed at. The register index and
// leading-zero value are derived lazily at promotion time rather than
// stored.
type Point struct {
	Timestamp int64
	Hash      uint64
}

// Sparse is the hybrid representation's compact form for low-cardinality
// sets: a flat, unsorted list of (timestamp, hash) points.
type Sparse struct {
	cfg    Config
	points []Point
}

// NewSparse allocates an empty sparse sHLL for the given config.
func NewSparse(cfg Config) (*Sparse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sparse{cfg: cfg}, nil
}

// Config returns the sparse instance's configuration.
func (s *Sparse) Config() Config { return s.cfg }

// Len reports the current point count, used by the caller to decide
// whether to promote to Dense once it exceeds SparseMaxKeys.
func (s *Sparse) Len() int { return len(s.points) }

// Points returns the retained point list. The caller must not mutate
// the returned slice.
func (s *Sparse) Points() []Point { return s.points }

// Add records a hash observation at the given time. If the same hash
// is already present its timestamp is overwritten unconditionally
// rather than appending a duplicate.
func (s *Sparse) Add(hash uint64, timestamp int64) {
	for i := range s.points {
		if s.points[i].Hash == hash {
			s.points[i].Timestamp = timestamp
			return
		}
	}
	s.points = append(s.points, Point{Timestamp: timestamp, Hash: hash})
}

// prune drops points older than windowPeriod relative to currentTime,
// in place, via swap-with-last removal.
func (s *Sparse) prune(currentTime int64) {
	minTime := currentTime - s.cfg.WindowPeriod
	for i := len(s.points) - 1; i >= 0; i-- {
		if s.points[i].Timestamp <= minTime {
			last := len(s.points) - 1
			s.points[i] = s.points[last]
			s.points = s.points[:last]
		}
	}
}

// Size estimates cardinality over the trailing window
// [currentTime-timeLength, currentTime], inclusive on both ends.
func (s *Sparse) Size(timeLength, currentTime int64) uint64 {
	minTime := currentTime - timeLength
	count := uint64(0)
	for _, p := range s.points {
		if p.Timestamp >= minTime && p.Timestamp <= currentTime {
			count++
		}
	}
	return count
}

// SizeTotal estimates cardinality over the full window period.
func (s *Sparse) SizeTotal(currentTime int64) uint64 {
	return s.Size(s.cfg.WindowPeriod, currentTime)
}

// ConvertToDense replays every retained point through a fresh Dense
// instance. The caller is responsible for marking the persisted
// sparse slot with the dense sentinel afterward.
func (s *Sparse) ConvertToDense() (*Dense, error) {
	d, err := NewDense(s.cfg)
	if err != nil {
		return nil, err
	}
	for _, p := range s.points {
		d.AddHash(p.Hash, p.Timestamp)
	}
	return d, nil
}

// EncodePoints serializes the sparse point list as a flat u64 count
// followed by (timestamp, hash) pairs, the on-disk value for the
// sparse keyspace.
func EncodePoints(s *Sparse) []byte {
	buf := make([]byte, 8+16*len(s.points))
	off := 0
	off, _ = putU64(buf, off, uint64(len(s.points)))
	for _, p := range s.points {
		off, _ = putU64(buf, off, uint64(p.Timestamp))
		off, _ = putU64(buf, off, p.Hash)
	}
	return buf
}

// DecodePoints reconstructs a Sparse instance from an EncodePoints
// blob.
func DecodePoints(cfg Config, buf []byte) (*Sparse, error) {
	count, off, err := getU64(buf, 0)
	if err != nil {
		return nil, err
	}
	s, err := NewSparse(cfg)
	if err != nil {
		return nil, err
	}
	s.points = make([]Point, 0, count)
	for i := uint64(0); i < count; i++ {
		ts, next, err := getU64(buf, off)
		if err != nil {
			return nil, err
		}
		off = next
		hash, next, err := getU64(buf, off)
		if err != nil {
			return nil, err
		}
		off = next
		s.points = append(s.points, Point{Timestamp: int64(ts), Hash: hash})
	}
	return s, nil
}
