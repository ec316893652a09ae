package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tilerenderd/internal/metatile"
)

func TestMBTilesBackendWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.mbtiles")

	b, err := NewMBTilesBackend(path)
	require.NoError(t, err)
	defer b.Close()

	var m metatile.Metatile
	m.Tiles[metatile.Slot(96, 96)] = []byte("origin tile")
	m.Tiles[metatile.Slot(97, 96)] = []byte("neighbor tile")
	data, err := metatile.Encode(m)
	require.NoError(t, err)

	require.NoError(t, b.WriteMetatile(ctx, "default", "", 96, 96, 12, data))

	out, stat, err := b.Read(ctx, "default", "", 96, 96, 12)
	require.NoError(t, err)
	require.True(t, stat.Exists)

	decoded, err := metatile.Decode(out)
	require.NoError(t, err)
	require.Equal(t, []byte("origin tile"), decoded.Tiles[metatile.Slot(96, 96)])
	require.Equal(t, []byte("neighbor tile"), decoded.Tiles[metatile.Slot(97, 96)])
}

func TestMBTilesBackendExpire(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.mbtiles")

	b, err := NewMBTilesBackend(path)
	require.NoError(t, err)
	defer b.Close()

	var m metatile.Metatile
	m.Tiles[metatile.Slot(0, 0)] = []byte("tile")
	data, err := metatile.Encode(m)
	require.NoError(t, err)
	require.NoError(t, b.WriteMetatile(ctx, "default", "", 0, 0, 4, data))

	require.NoError(t, b.ExpireMetatile(ctx, "default", "", 0, 0, 4))

	stat, err := b.Stat(ctx, "default", "", 0, 0, 4)
	require.NoError(t, err)
	require.True(t, stat.Exists)
	require.True(t, stat.Expired)
}

func TestMBTilesBackendDeleteUnsupported(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.mbtiles")

	b, err := NewMBTilesBackend(path)
	require.NoError(t, err)
	defer b.Close()

	require.Error(t, b.DeleteMetatile(ctx, "default", "", 0, 0, 4))
}

func TestMBTilesBackendMissingIsMiss(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.mbtiles")

	b, err := NewMBTilesBackend(path)
	require.NoError(t, err)
	defer b.Close()

	_, stat, err := b.Read(ctx, "default", "", 5, 5, 10)
	require.NoError(t, err)
	require.False(t, stat.Exists)
}
