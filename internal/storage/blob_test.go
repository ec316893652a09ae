package storage

import (
	"context"
	"testing"

	_ "gocloud.dev/blob/memblob"

	"github.com/stretchr/testify/require"
)

func newTestBlobBackend(t *testing.T) *BlobBackend {
	t.Helper()
	b, err := NewBlobBackend(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBlobBackendWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBlobBackend(t)

	data := []byte("encoded metatile bytes")
	require.NoError(t, b.WriteMetatile(ctx, "default", "", 96, 96, 12, data))

	got, stat, err := b.Read(ctx, "default", "", 96, 96, 12)
	require.NoError(t, err)
	require.True(t, stat.Exists)
	require.False(t, stat.Expired)
	require.Equal(t, data, got)
}

func TestBlobBackendReadMissing(t *testing.T) {
	ctx := context.Background()
	b := newTestBlobBackend(t)

	data, stat, err := b.Read(ctx, "default", "", 1, 1, 5)
	require.NoError(t, err)
	require.False(t, stat.Exists)
	require.Nil(t, data)
}

func TestBlobBackendExpireAndClear(t *testing.T) {
	ctx := context.Background()
	b := newTestBlobBackend(t)

	require.NoError(t, b.WriteMetatile(ctx, "default", "", 0, 0, 4, []byte("data")))
	require.NoError(t, b.ExpireMetatile(ctx, "default", "", 0, 0, 4))

	stat, err := b.Stat(ctx, "default", "", 0, 0, 4)
	require.NoError(t, err)
	require.True(t, stat.Exists)
	require.True(t, stat.Expired)

	require.NoError(t, b.WriteMetatile(ctx, "default", "", 0, 0, 4, []byte("refreshed")))
	stat, err = b.Stat(ctx, "default", "", 0, 0, 4)
	require.NoError(t, err)
	require.False(t, stat.Expired)
}

func TestBlobBackendDelete(t *testing.T) {
	ctx := context.Background()
	b := newTestBlobBackend(t)

	require.NoError(t, b.WriteMetatile(ctx, "default", "", 2, 2, 6, []byte("data")))
	require.NoError(t, b.DeleteMetatile(ctx, "default", "", 2, 2, 6))

	stat, err := b.Stat(ctx, "default", "", 2, 2, 6)
	require.NoError(t, err)
	require.False(t, stat.Exists)
}
