package setmgr

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/authbox-lib/sliding/internal/set"
	"github.com/authbox-lib/sliding/internal/shll"
	"github.com/authbox-lib/sliding/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	meter := noopmetric.MeterProvider{}.Meter("test")
	st, err := store.Open(filepath.Join(dir, "sliding.db"), meter)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m, err := New(Config{
		Store:      st,
		DefaultCfg: shll.Config{Precision: 10, WindowPeriod: 3600, WindowPrecision: 1},
		Meter:      meter,
	})
	require.NoError(t, err)
	return m
}

func TestCreateOutcomes(t *testing.T) {
	m := newTestManager(t)
	cfg := shll.Config{Precision: 10, WindowPeriod: 3600, WindowPrecision: 1}

	outcome, err := m.Create("visitors", cfg)
	require.NoError(t, err)
	require.Equal(t, Created, outcome)

	outcome, err = m.Create("visitors", cfg)
	require.NoError(t, err)
	require.Equal(t, Exists, outcome)

	_, err = m.Create("bad name!", cfg)
	require.ErrorIs(t, err, ErrBadName)
}

func TestSetKeysChunksAcrossMultiOpSize(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	keys := make([][]byte, MultiOpSize*3+5)
	for i := range keys {
		keys[i] = []byte{byte(i), byte(i >> 8)}
	}

	require.NoError(t, m.SetKeys(ctx, "visitors", 1000, keys))

	got, err := m.SizeTotal(ctx, "visitors", 1000)
	require.NoError(t, err)
	require.Greater(t, got, uint64(0))
}

func TestSizeOnUnknownSetFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Size(context.Background(), "missing", 3600, 1000)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDropThenCreateWaitsForVacuum(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	cfg := shll.Config{Precision: 10, WindowPeriod: 3600, WindowPrecision: 1}

	_, err := m.Create("visitors", cfg)
	require.NoError(t, err)
	require.NoError(t, m.Drop(ctx, "visitors"))

	outcome, err := m.Create("visitors", cfg)
	require.NoError(t, err)
	require.Equal(t, DeleteInProgress, outcome)

	m.Vacuum()

	outcome, err = m.Create("visitors", cfg)
	require.NoError(t, err)
	require.Equal(t, Created, outcome)
}

func TestVacuumDestroysPastSafeEpoch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	cfg := shll.Config{Precision: 10, WindowPeriod: 3600, WindowPrecision: 1}

	_, err := m.Create("visitors", cfg)
	require.NoError(t, err)
	require.NoError(t, m.SetKeys(ctx, "visitors", 1000, [][]byte{[]byte("a")}))
	require.NoError(t, m.FlushSet(ctx, "visitors"))
	require.NoError(t, m.Drop(ctx, "visitors"))

	m.Vacuum()

	_, found, err := m.store.GetSparse(ctx, "visitors")
	require.NoError(t, err)
	require.False(t, found)
}

func TestVacuumWaitsForActiveCheckpoint(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	cfg := shll.Config{Precision: 10, WindowPeriod: 3600, WindowPrecision: 1}

	clientID := m.NewClientID()
	m.ClientCheckpoint(clientID)

	_, err := m.Create("visitors", cfg)
	require.NoError(t, err)
	require.NoError(t, m.Drop(ctx, "visitors"))

	m.Vacuum()

	m.mu.Lock()
	pendingCount := len(m.pending)
	m.mu.Unlock()
	require.Equal(t, 1, pendingCount, "set should survive vacuum while a client checkpoint predates its drop")

	m.ClientLeave(clientID)
	m.Vacuum()

	m.mu.Lock()
	pendingCount = len(m.pending)
	m.mu.Unlock()
	require.Equal(t, 0, pendingCount)
}

func TestUnionSizeRequiresAllNamesToExist(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	cfg := shll.Config{Precision: 10, WindowPeriod: 3600, WindowPrecision: 1}

	_, err := m.Create("a", cfg)
	require.NoError(t, err)

	_, err = m.UnionSize(ctx, []string{"a", "missing"}, 3600, 1000)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersByPrefix(t *testing.T) {
	m := newTestManager(t)
	cfg := shll.Config{Precision: 10, WindowPeriod: 3600, WindowPrecision: 1}

	_, _ = m.Create("visitors.us", cfg)
	_, _ = m.Create("visitors.eu", cfg)
	_, _ = m.Create("orders", cfg)

	require.Len(t, m.List(""), 3)
	require.Len(t, m.List("visitors."), 2)
}

func TestWithSetBorrowsHandleForDetail(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	cfg := shll.Config{Precision: 10, WindowPeriod: 3600, WindowPrecision: 1}

	_, err := m.Create("visitors", cfg)
	require.NoError(t, err)
	require.NoError(t, m.SetKeys(ctx, "visitors", 1000, [][]byte{[]byte("a")}))

	var proxied bool
	err = m.WithSet("visitors", func(s *set.Set) error {
		proxied = s.IsProxied()
		return nil
	})
	require.NoError(t, err)
	require.False(t, proxied)
}
