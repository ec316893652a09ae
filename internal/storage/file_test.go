package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileBackendWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := NewFileBackend(t.TempDir())

	data := []byte("encoded metatile bytes")
	require.NoError(t, b.WriteMetatile(ctx, "default", "", 96, 96, 12, data))

	got, stat, err := b.Read(ctx, "default", "", 96, 96, 12)
	require.NoError(t, err)
	require.True(t, stat.Exists)
	require.False(t, stat.Expired)
	require.Equal(t, data, got)
}

func TestFileBackendReadMissing(t *testing.T) {
	ctx := context.Background()
	b := NewFileBackend(t.TempDir())

	data, stat, err := b.Read(ctx, "default", "", 1, 1, 5)
	require.NoError(t, err)
	require.Nil(t, data)
	require.False(t, stat.Exists)
}

func TestFileBackendExpireAndRewrite(t *testing.T) {
	ctx := context.Background()
	b := NewFileBackend(t.TempDir())

	require.NoError(t, b.WriteMetatile(ctx, "default", "", 0, 0, 4, []byte("v1")))
	require.NoError(t, b.ExpireMetatile(ctx, "default", "", 0, 0, 4))

	stat, err := b.Stat(ctx, "default", "", 0, 0, 4)
	require.NoError(t, err)
	require.True(t, stat.Exists)
	require.True(t, stat.Expired)

	// A fresh write clears the expired flag.
	require.NoError(t, b.WriteMetatile(ctx, "default", "", 0, 0, 4, []byte("v2")))
	stat, err = b.Stat(ctx, "default", "", 0, 0, 4)
	require.NoError(t, err)
	require.True(t, stat.Exists)
	require.False(t, stat.Expired)
}

func TestFileBackendExpireMissingIsNoop(t *testing.T) {
	ctx := context.Background()
	b := NewFileBackend(t.TempDir())

	require.NoError(t, b.ExpireMetatile(ctx, "default", "", 9, 9, 9))
	stat, err := b.Stat(ctx, "default", "", 9, 9, 9)
	require.NoError(t, err)
	require.False(t, stat.Exists)
}

func TestFileBackendDelete(t *testing.T) {
	ctx := context.Background()
	b := NewFileBackend(t.TempDir())

	require.NoError(t, b.WriteMetatile(ctx, "default", "", 2, 2, 6, []byte("data")))
	require.NoError(t, b.DeleteMetatile(ctx, "default", "", 2, 2, 6))

	stat, err := b.Stat(ctx, "default", "", 2, 2, 6)
	require.NoError(t, err)
	require.False(t, stat.Exists)

	// Deleting a nonexistent metatile is not an error.
	require.NoError(t, b.DeleteMetatile(ctx, "default", "", 2, 2, 6))
}

func TestFileBackendOptionsVariant(t *testing.T) {
	ctx := context.Background()
	b := NewFileBackend(t.TempDir())

	require.NoError(t, b.WriteMetatile(ctx, "default", "grey", 0, 0, 4, []byte("grey-variant")))

	// The options variant and the base variant are distinct metatiles.
	stat, err := b.Stat(ctx, "default", "", 0, 0, 4)
	require.NoError(t, err)
	require.False(t, stat.Exists)

	data, stat, err := b.Read(ctx, "default", "grey", 0, 0, 4)
	require.NoError(t, err)
	require.True(t, stat.Exists)
	require.Equal(t, []byte("grey-variant"), data)
}
