package set

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/authbox-lib/sliding/internal/shll"
	"github.com/authbox-lib/sliding/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	meter := noopmetric.MeterProvider{}.Meter("test")
	s, err := store.Open(filepath.Join(dir, "sliding.db"), meter)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() shll.Config {
	return shll.Config{Precision: 10, WindowPeriod: 3600, WindowPrecision: 1}
}

func TestSetStartsProxied(t *testing.T) {
	st := openTestStore(t)
	s := New("visitors", testConfig(), st, false)
	require.True(t, s.IsProxied())
}

func TestSetFaultsInOnFirstAdd(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	s := New("visitors", testConfig(), st, false)

	require.NoError(t, s.Add(ctx, []byte("user-1"), 1000))
	require.False(t, s.IsProxied())
	require.Equal(t, uint64(1), s.Counters().PageIns)
}

func TestSetPromotesSparseToDenseAtThreshold(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	s := New("visitors", testConfig(), st, false)

	for i := 0; i < shll.SparseMaxKeys+1; i++ {
		require.NoError(t, s.AddHash(ctx, uint64(i+1), 1000))
	}

	require.NotNil(t, s.dense)
	require.Nil(t, s.sparse)
}

func TestSetFlushCloseRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	s := New("visitors", testConfig(), st, false)

	for i := 0; i < shll.SparseMaxKeys+5; i++ {
		require.NoError(t, s.AddHash(ctx, uint64(i+1), 1000))
	}

	require.NoError(t, s.Close(ctx))
	require.True(t, s.IsProxied())

	reopened := New("visitors", testConfig(), st, false)
	got, err := reopened.SizeTotal(ctx, 1000)
	require.NoError(t, err)
	require.Greater(t, got, uint64(0))
}

func TestSetClearRequiresProxied(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	s := New("visitors", testConfig(), st, false)

	// Freshly created sets start proxied: Clear is a safe no-op.
	require.NoError(t, s.Clear(ctx))
	require.True(t, s.IsProxied())

	// Once resident, Clear must refuse rather than discard live data;
	// the caller must go through Close (flush) first.
	require.NoError(t, s.Add(ctx, []byte("user-1"), 1000))
	require.False(t, s.IsProxied())
	require.ErrorIs(t, s.Clear(ctx), ErrNotProxied)

	require.NoError(t, s.Close(ctx))
	require.True(t, s.IsProxied())
	require.NoError(t, s.Clear(ctx))
}

func TestSetDeleteRemovesPersistedEntries(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	s := New("visitors", testConfig(), st, false)

	for i := 0; i < shll.SparseMaxKeys+5; i++ {
		require.NoError(t, s.AddHash(ctx, uint64(i+1), 1000))
	}
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Delete(ctx))

	_, found, err := st.GetSparse(ctx, "visitors")
	require.NoError(t, err)
	require.False(t, found)
}

func TestSetInMemorySkipsPersistence(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	s := New("visitors", testConfig(), st, true)

	require.NoError(t, s.Add(ctx, []byte("user-1"), 1000))
	require.NoError(t, s.Flush(ctx))

	_, found, err := st.GetSparse(ctx, "visitors")
	require.NoError(t, err)
	require.False(t, found)
}
