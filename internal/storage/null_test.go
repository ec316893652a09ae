package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNullBackendAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	b := NewNullBackend()

	require.NoError(t, b.WriteMetatile(ctx, "default", "", 0, 0, 0, []byte("data")))

	data, stat, err := b.Read(ctx, "default", "", 0, 0, 0)
	require.NoError(t, err)
	require.Nil(t, data)
	require.False(t, stat.Exists)

	stat, err = b.Stat(ctx, "default", "", 0, 0, 0)
	require.NoError(t, err)
	require.False(t, stat.Exists)

	require.NoError(t, b.DeleteMetatile(ctx, "default", "", 0, 0, 0))
	require.NoError(t, b.ExpireMetatile(ctx, "default", "", 0, 0, 0))
	require.NoError(t, b.Close())
}
