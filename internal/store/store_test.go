package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	meter := noopmetric.MeterProvider{}.Meter("test")
	s, err := Open(filepath.Join(dir, "sliding.db"), meter)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSparseRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetSparse(ctx, "visitors")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.PutSparse(ctx, "visitors", []byte("payload")))

	got, found, err := s.GetSparse(ctx, "visitors")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("payload"), got)
}

func TestDenseKeyDoesNotCollideWithSparse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSparse(ctx, "visitors", DenseSentinel))
	require.NoError(t, s.PutDense(ctx, "visitors", []byte("dense-blob")))

	sparse, found, err := s.GetSparse(ctx, "visitors")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, DenseSentinel, sparse)

	dense, found, err := s.GetDense(ctx, "visitors")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("dense-blob"), dense)
}

func TestDeleteRemovesBothKeyspaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSparse(ctx, "visitors", DenseSentinel))
	require.NoError(t, s.PutDense(ctx, "visitors", []byte("dense-blob")))
	require.NoError(t, s.Delete(ctx, "visitors"))

	_, found, err := s.GetSparse(ctx, "visitors")
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = s.GetDense(ctx, "visitors")
	require.NoError(t, err)
	require.False(t, found)
}

func TestListNamesFiltersDenseKeysAndAppliesPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSparse(ctx, "visitors:us", []byte("a")))
	require.NoError(t, s.PutSparse(ctx, "visitors:eu", []byte("b")))
	require.NoError(t, s.PutSparse(ctx, "orders", DenseSentinel))
	require.NoError(t, s.PutDense(ctx, "orders", []byte("blob")))

	all, err := s.ListNames(ctx, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"visitors:us", "visitors:eu", "orders"}, all)

	filtered, err := s.ListNames(ctx, "visitors:")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"visitors:us", "visitors:eu"}, filtered)
}
