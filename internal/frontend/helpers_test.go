package frontend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tilerenderd/internal/metatile"
)

// encodeSingleTileMetatile builds a full metatile blob covering tile
// (x, y, z), with only that tile's slot populated. A minimal PNG
// signature stands in for a real rendered payload.
func encodeSingleTileMetatile(t *testing.T, x, y, z uint32) []byte {
	t.Helper()

	ax, ay := metatile.Align(x, y)
	var m metatile.Metatile
	m.X, m.Y, m.Z = ax, ay, z

	payload := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	m.Tiles[metatile.Slot(x, y)] = payload

	blob, err := metatile.Encode(m)
	require.NoError(t, err)
	return blob
}
