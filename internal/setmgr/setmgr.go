// Package setmgr implements the name registry, epoch-based vacuum,
// multi-key ingest, union query, and listing surface for the sliding
// HyperLogLog engine, wired to a cron-driven background flusher.
package setmgr

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/authbox-lib/sliding/internal/set"
	"github.com/authbox-lib/sliding/internal/shll"
	"github.com/authbox-lib/sliding/internal/store"
)

// MultiOpSize is the chunk size SetKeys walks the key array in during
// multi-key ingest. Each key is still added through Set.Add, which
// takes the set's spinlock once per key; a chunk is not applied under
// a single spinlock hold.
const MultiOpSize = 32

// nameRE validates set names: letters, digits, dot, underscore, and
// hyphen, 1-255 characters.
var nameRE = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,255}$`)

// Outcome is the three-way result of a create request.
type Outcome int

const (
	Created Outcome = iota
	Exists
	DeleteInProgress
)

// Errors surfaced across the manager surface.
var (
	ErrBadName          = errors.New("setmgr: invalid set name")
	ErrNotFound         = errors.New("setmgr: set not found")
	ErrDeleteInProgress = errors.New("setmgr: delete in progress")
	ErrPrecisionMismatch = shll.ErrPrecisionMismatch
)

type pendingDrop struct {
	name  string
	epoch uint64
}

// Manager is the name→set registry plus epoch-vacuum coordinator.
type Manager struct {
	store       *store.Store
	defaultCfg  shll.Config
	inMemory    bool

	mu       sync.Mutex // protects sets, pending, checkpoints, epoch
	sets     map[string]*set.Set
	pending  []pendingDrop
	epoch    uint64
	checkpoints map[uint64]uint64 // client id -> checkpointed epoch
	nextClientID uint64

	cronSched *cron.Cron

	pageInsTotal   metric.Int64Counter
	pageOutsTotal  metric.Int64Counter
	flushLatency   metric.Float64Histogram
	vacuumSweeps   metric.Int64Counter
	promotions     metric.Int64Counter
	setsTracked    metric.Int64UpDownCounter
}

// Config bundles the manager's construction parameters.
type Config struct {
	Store      *store.Store
	DefaultCfg shll.Config
	InMemory   bool
	Meter      metric.Meter
}

// New constructs a Manager, rehydrating its name registry from any
// sets already persisted in store.
func New(cfg Config) (*Manager, error) {
	pageInsTotal, _ := cfg.Meter.Int64Counter("sliding_setmgr_page_ins_total")
	pageOutsTotal, _ := cfg.Meter.Int64Counter("sliding_setmgr_page_outs_total")
	flushLatency, _ := cfg.Meter.Float64Histogram("sliding_setmgr_flush_ms")
	vacuumSweeps, _ := cfg.Meter.Int64Counter("sliding_setmgr_vacuum_sweeps_total")
	promotions, _ := cfg.Meter.Int64Counter("sliding_setmgr_promotions_total")
	setsTracked, _ := cfg.Meter.Int64UpDownCounter("sliding_setmgr_sets_tracked")

	m := &Manager{
		store:         cfg.Store,
		defaultCfg:    cfg.DefaultCfg,
		inMemory:      cfg.InMemory,
		sets:          make(map[string]*set.Set),
		checkpoints:   make(map[uint64]uint64),
		pageInsTotal:  pageInsTotal,
		pageOutsTotal: pageOutsTotal,
		flushLatency:  flushLatency,
		vacuumSweeps:  vacuumSweeps,
		promotions:    promotions,
		setsTracked:   setsTracked,
	}

	names, err := cfg.Store.ListNames(context.Background(), "")
	if err != nil {
		return nil, errors.Wrap(err, "list existing sets")
	}
	for _, name := range names {
		m.sets[name] = set.New(name, m.defaultCfg, m.store, m.inMemory)
		m.setsTracked.Add(context.Background(), 1)
	}

	return m, nil
}

// StartBackgroundJobs wires the periodic flush-all and vacuum sweep
// onto a fixed-interval cron schedule.
func (m *Manager) StartBackgroundJobs(flushEvery, vacuumEvery time.Duration) {
	m.cronSched = cron.New(cron.WithSeconds())
	flushSpec := "@every " + flushEvery.String()
	vacuumSpec := "@every " + vacuumEvery.String()

	_, _ = m.cronSched.AddFunc(flushSpec, func() {
		if err := m.FlushAll(context.Background()); err != nil {
			slog.Error("periodic flush-all failed", "error", err)
		}
	})
	_, _ = m.cronSched.AddFunc(vacuumSpec, func() {
		m.Vacuum()
	})
	m.cronSched.Start()
}

// StopBackgroundJobs stops the cron scheduler, blocking until running
// jobs finish.
func (m *Manager) StopBackgroundJobs() {
	if m.cronSched != nil {
		ctx := m.cronSched.Stop()
		<-ctx.Done()
	}
}

// ClientCheckpoint publishes the current epoch as clientID's
// checkpoint. Connection handlers call this before a call sequence so
// vacuum never destroys a set this client might still be reading.
func (m *Manager) ClientCheckpoint(clientID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[clientID] = m.epoch
}

// ClientLeave clears clientID's checkpoint, called on disconnect.
func (m *Manager) ClientLeave(clientID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, clientID)
}

// NewClientID allocates a monotonically increasing client identifier
// for a freshly accepted connection.
func (m *Manager) NewClientID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextClientID++
	return m.nextClientID
}

// safeEpoch returns the minimum checkpoint across all registered
// clients, or the current epoch if none are registered (absent
// clients are treated as +infinity, so an empty checkpoint set never
// blocks vacuum). Must be called with m.mu held.
func (m *Manager) safeEpoch() uint64 {
	safe := m.epoch
	for _, cp := range m.checkpoints {
		if cp < safe {
			safe = cp
		}
	}
	return safe
}

// Create registers a new set under name, or reports why it already
// exists.
func (m *Manager) Create(name string, cfg shll.Config) (Outcome, error) {
	if !nameRE.MatchString(name) {
		return 0, ErrBadName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pending {
		if p.name == name {
			return DeleteInProgress, nil
		}
	}
	if _, exists := m.sets[name]; exists {
		return Exists, nil
	}

	m.sets[name] = set.New(name, cfg, m.store, m.inMemory)
	m.setsTracked.Add(context.Background(), 1)
	return Created, nil
}

// resolve returns the handle for name, or ErrDeleteInProgress /
// ErrNotFound.
func (m *Manager) resolve(name string) (*set.Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pending {
		if p.name == name {
			return nil, ErrDeleteInProgress
		}
	}
	s, ok := m.sets[name]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// getOrCreate resolves name, implicitly creating it with cfg if
// absent, since a set's first write is also its creation.
func (m *Manager) getOrCreate(name string, cfg shll.Config) (*set.Set, error) {
	if !nameRE.MatchString(name) {
		return nil, ErrBadName
	}

	m.mu.Lock()
	for _, p := range m.pending {
		if p.name == name {
			m.mu.Unlock()
			return nil, ErrDeleteInProgress
		}
	}
	s, ok := m.sets[name]
	if !ok {
		s = set.New(name, cfg, m.store, m.inMemory)
		m.sets[name] = s
		m.setsTracked.Add(context.Background(), 1)
	}
	m.mu.Unlock()
	return s, nil
}

// SetKeys ingests keys into name at timestamp, walking the batch in
// groups of at most MultiOpSize; every key takes the set's spinlock
// separately through Set.Add.
func (m *Manager) SetKeys(ctx context.Context, name string, timestamp int64, keys [][]byte) error {
	s, err := m.getOrCreate(name, m.defaultCfg)
	if err != nil {
		return err
	}

	for start := 0; start < len(keys); start += MultiOpSize {
		end := start + MultiOpSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, k := range keys[start:end] {
			if err := s.Add(ctx, k, timestamp); err != nil {
				return errors.Wrap(err, "set_keys: add")
			}
		}
	}
	return nil
}

// Size returns name's cardinality estimate over the trailing window.
func (m *Manager) Size(ctx context.Context, name string, window, currentTime int64) (uint64, error) {
	s, err := m.resolve(name)
	if err != nil {
		return 0, err
	}
	return s.Size(ctx, window, currentTime)
}

// SizeTotal returns name's cardinality estimate over its full window
// period.
func (m *Manager) SizeTotal(ctx context.Context, name string, currentTime int64) (uint64, error) {
	s, err := m.resolve(name)
	if err != nil {
		return 0, err
	}
	return s.SizeTotal(ctx, currentTime)
}

// UnionSize resolves every name in names and computes their combined
// cardinality, failing the whole call if any name does not exist or
// precisions differ.
func (m *Manager) UnionSize(ctx context.Context, names []string, window, currentTime int64) (uint64, error) {
	densities := make([]*shll.Dense, 0, len(names))
	for _, name := range names {
		s, err := m.resolve(name)
		if err != nil {
			return 0, err
		}
		d, err := s.Dense(ctx)
		if err != nil {
			return 0, err
		}
		densities = append(densities, d)
	}
	return shll.UnionSize(densities, window, currentTime)
}

// WithSet borrows the named set handle for the duration of fn, giving
// callers read access to counters and proxied-state without copying
// the handle out of the registry.
func (m *Manager) WithSet(name string, fn func(*set.Set) error) error {
	s, err := m.resolve(name)
	if err != nil {
		return err
	}
	return fn(s)
}

// Drop marks name delete-pending and removes it from the public
// mapping immediately so a subsequent Create of the same name may
// proceed once vacuum has actually destroyed it.
func (m *Manager) Drop(ctx context.Context, name string) error {
	m.mu.Lock()
	s, ok := m.sets[name]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sets, name)
	m.pending = append(m.pending, pendingDrop{name: name, epoch: m.epoch})
	m.epoch++
	m.setsTracked.Add(ctx, -1)
	m.mu.Unlock()

	return s.Close(ctx)
}

// Unmap closes the named set (flush + release in-memory state,
// returning it to proxied) without dropping it from the registry.
func (m *Manager) Unmap(ctx context.Context, name string) error {
	s, err := m.resolve(name)
	if err != nil {
		return err
	}
	m.pageOutsTotal.Add(ctx, 1)
	return s.Close(ctx)
}

// Clear succeeds only when the named set is proxied and discards
// nothing; for a resident set it returns set.ErrNotProxied unchanged
// from the set package.
func (m *Manager) Clear(ctx context.Context, name string) error {
	s, err := m.resolve(name)
	if err != nil {
		return err
	}
	return s.Clear(ctx)
}

// FlushSet flushes a single named set, tolerating ErrNotFound to
// accommodate a concurrent drop.
func (m *Manager) FlushSet(ctx context.Context, name string) error {
	s, err := m.resolve(name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	start := time.Now()
	err = s.Flush(ctx)
	m.flushLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(attribute.String("set", name)))
	return err
}

// FlushAll iterates every currently registered set and flushes it,
// ignoring not-found to tolerate concurrent drops.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.sets))
	for name := range m.sets {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.FlushSet(ctx, name); err != nil {
			return errors.Wrapf(err, "flush-all: %s", name)
		}
	}
	return nil
}

// List returns a self-contained snapshot of registered set names
// matching the optional prefix, safe to read without holding the
// manager lock afterward.
func (m *Manager) List(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.sets))
	for name := range m.sets {
		if len(prefix) == 0 || hasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

// ListCold returns set names whose backing handle is currently
// proxied (not resident). It does not track when a set was last
// touched, so a set closed moments ago is listed as well.
func (m *Manager) ListCold() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.sets))
	for name := range m.sets {
		names = append(names, name)
	}
	m.mu.Unlock()

	cold := make([]string, 0, len(names))
	for _, name := range names {
		if s, err := m.resolve(name); err == nil && s.IsProxied() {
			cold = append(cold, name)
		}
	}
	return cold
}

// Vacuum computes the safe epoch and destroys any delete-pending set
// whose drop predates it, removing its KV entries.
func (m *Manager) Vacuum() {
	m.mu.Lock()
	safe := m.safeEpoch()

	var stillPending []pendingDrop
	var toDestroy []pendingDrop
	for _, p := range m.pending {
		if p.epoch < safe {
			toDestroy = append(toDestroy, p)
		} else {
			stillPending = append(stillPending, p)
		}
	}
	m.pending = stillPending
	m.mu.Unlock()

	ctx := context.Background()
	for _, p := range toDestroy {
		if err := m.store.Delete(ctx, p.name); err != nil {
			slog.Error("vacuum: failed to destroy set", "set", p.name, "error", err)
			continue
		}
	}
	m.vacuumSweeps.Add(ctx, 1, metric.WithAttributes(attribute.Int("destroyed", len(toDestroy))))
}

// Info returns a manager-wide counters snapshot for the wire
// protocol's "info" command.
type Info struct {
	SetsTracked   int
	PendingDrops  int
	CurrentEpoch  uint64
}

func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{SetsTracked: len(m.sets), PendingDrops: len(m.pending), CurrentEpoch: m.epoch}
}

// Close stops background jobs and flushes every registered set's
// dirty state, for graceful process shutdown. Resident sets stay
// resident; they are not returned to proxied.
func (m *Manager) Close(ctx context.Context) error {
	m.StopBackgroundJobs()
	return m.FlushAll(ctx)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
