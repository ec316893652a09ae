// Package tilearchive reads legacy tilepack-style mbtiles SQLite archives
// for migration into this module's storage backends — a different archive
// shape than internal/mbtiles, which the render daemon writes and reads
// itself. This one is read-only and exists only to feed render_list
// --import-archive.
package tilearchive

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MeKo-Tech/tilerenderd/internal/tile"
)

// Reader iterates a "tiles(zoom_level, tile_column, tile_row, tile_data)"
// table, the schema sfomuseum-go-tilepacks' mbtiles_reader.go queries.
type Reader struct {
	db *sql.DB
}

// Open connects to a tilepack-style sqlite archive at path.
func Open(path string) (*Reader, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("tilearchive: opening %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("tilearchive: pinging %q: %w", path, err)
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error {
	return r.db.Close()
}

// VisitAll calls fn once per stored tile. tile_row in this schema is
// TMS (Y flipped from the XYZ convention used everywhere else in this
// module), so it is converted before fn sees it.
func (r *Reader) VisitAll(fn func(c tile.Coords, data []byte) error) error {
	rows, err := r.db.Query("SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles")
	if err != nil {
		return fmt.Errorf("tilearchive: querying tiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var z, x, tmsY uint32
		var data []byte
		if err := rows.Scan(&z, &x, &tmsY, &data); err != nil {
			return fmt.Errorf("tilearchive: scanning row: %w", err)
		}

		n := uint32(1) << z
		y := n - 1 - tmsY
		if err := fn(tile.New(z, x, y), data); err != nil {
			return err
		}
	}
	return rows.Err()
}
