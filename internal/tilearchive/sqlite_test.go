package tilearchive

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tilerenderd/internal/tile"
)

func newTestArchive(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "archive.mbtiles")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`)
	require.NoError(t, err)

	// z=3, x=1, TMS row 2 -> XYZ y = (1<<3)-1-2 = 5.
	_, err = db.Exec(`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`, 3, 1, 2, []byte("tile-bytes"))
	require.NoError(t, err)

	return path
}

func TestReaderVisitAllConvertsTMSRow(t *testing.T) {
	path := newTestArchive(t)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	var got []tile.Coords
	var gotData [][]byte
	err = r.VisitAll(func(c tile.Coords, data []byte) error {
		got = append(got, c)
		gotData = append(gotData, data)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, tile.New(3, 1, 5), got[0])
	require.Equal(t, []byte("tile-bytes"), gotData[0])
}

func TestOpenMissingDirectory(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "no-such-dir", "archive.mbtiles"))
	require.Error(t, err)
}
