package metatile

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotBijection(t *testing.T) {
	seen := make(map[int]bool, Count)
	for x := uint32(0); x < N; x++ {
		for y := uint32(0); y < N; y++ {
			s := Slot(x, y)
			require.GreaterOrEqual(t, s, 0)
			require.Less(t, s, Count)
			require.Falsef(t, seen[s], "slot %d produced twice", s)
			seen[s] = true
		}
	}
	require.Len(t, seen, Count)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var m Metatile
	m.X, m.Y, m.Z = 96, 96, 12
	for i := 0; i < Count; i++ {
		m.Tiles[i] = []byte(fmt.Sprintf("tile-payload-%d", i))
	}

	data, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, m.X, decoded.X)
	require.Equal(t, m.Y, decoded.Y)
	require.Equal(t, m.Z, decoded.Z)
	for i := 0; i < Count; i++ {
		require.Equal(t, m.Tiles[i], decoded.Tiles[i])
	}
}

func TestEncodeDecodeMissingSlots(t *testing.T) {
	var m Metatile
	m.Tiles[0] = []byte("a")
	// slots 1..Count-1 left nil/zero-length

	data, err := Encode(m)
	require.NoError(t, err)

	h, err := DecodeHeader(data, int64(len(data)))
	require.NoError(t, err)

	_, err = ReadSlot(h, data, 1)
	require.ErrorIs(t, err, ErrMissingTile)

	got, err := ReadSlot(h, data, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	data, err := Encode(Metatile{})
	require.NoError(t, err)
	data[0] = 'X'
	_, err = Decode(data)
	require.Error(t, err)
}

func TestDecodeRejectsOutOfRangeOffsets(t *testing.T) {
	data, err := Encode(Metatile{})
	require.NoError(t, err)
	// Corrupt the first entry's size to claim more bytes than exist.
	data[headerFixedSize+4] = 0x7f
	data[headerFixedSize+5] = 0x7f
	data[headerFixedSize+6] = 0x7f
	data[headerFixedSize+7] = 0x7f
	_, err = DecodeHeader(data, int64(len(data)))
	require.Error(t, err)
}
