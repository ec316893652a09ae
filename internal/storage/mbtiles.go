package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/MeKo-Tech/tilerenderd/internal/mbtiles"
	"github.com/MeKo-Tech/tilerenderd/internal/metatile"
	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
)

// MBTilesBackend stores tiles in a single SQLite MBTiles archive rather
// than a directory tree. Metatiles are decomposed into their Count
// individual tile rows on write and reassembled on read, since MBTiles
// has no native concept of a metatile.
//
// A single archive holds one style; the style/options parameters passed
// to every method are accepted for interface conformance and ignored,
// matching render_list's treatment of an MBTiles target as a
// single-style sink.
type MBTilesBackend struct {
	path string

	mu     sync.Mutex
	writer *mbtiles.Writer
}

// NewMBTilesBackend opens (creating if absent) the archive at path. A
// single *mbtiles.Writer connection serves both reads and writes so
// that a read immediately following a write observes it, which a
// separate read-only/immutable connection would not guarantee.
func NewMBTilesBackend(path string) (*MBTilesBackend, error) {
	w, err := mbtiles.New(path, mbtiles.Metadata{Name: "tilerenderd", Format: "png"})
	if err != nil {
		return nil, renderror.New(renderror.KindConfig, "storage.mbtiles.New", err)
	}
	return &MBTilesBackend{path: path, writer: w}, nil
}

func (b *MBTilesBackend) ID() string { return "mbtiles:" + b.path }

func (b *MBTilesBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writer.Close(); err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.mbtiles.Close", err)
	}
	return nil
}

// Stat reports presence for the metatile's origin tile only: MBTiles
// tracks freshness per individual tile, so a metatile-level Stat reports
// whatever the (x, y) origin tile itself says.
func (b *MBTilesBackend) Stat(_ context.Context, _, _ string, x, y, z uint32) (StatResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.writer.StatTile(int(z), int(x), int(y))
	if err != nil {
		return StatResult{}, renderror.New(renderror.KindTransientStorage, "storage.mbtiles.Stat", err)
	}
	return StatResult{Exists: st.Exists, Expired: st.Expired}, nil
}

// Read reassembles a metatile from the Count individual tile rows that
// fall within the aligned (x, y, z) block.
func (b *MBTilesBackend) Read(_ context.Context, _, _ string, x, y, z uint32) ([]byte, StatResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	xa, ya := metatile.Align(x, y)
	var m metatile.Metatile
	m.X, m.Y, m.Z = xa, ya, z

	found := false
	expired := false
	for dx := uint32(0); dx < metatile.N; dx++ {
		for dy := uint32(0); dy < metatile.N; dy++ {
			tx, ty := xa+dx, ya+dy
			data, err := b.writer.ReadTile(int(z), int(tx), int(ty))
			if err != nil {
				continue // not found: leave slot empty
			}
			found = true
			m.Tiles[metatile.Slot(tx, ty)] = data

			if st, err := b.writer.StatTile(int(z), int(tx), int(ty)); err == nil && st.Expired {
				expired = true
			}
		}
	}

	if !found {
		return nil, StatResult{}, nil
	}

	out, err := metatile.Encode(m)
	if err != nil {
		return nil, StatResult{}, renderror.New(renderror.KindRenderFailed, "storage.mbtiles.Read", err)
	}
	return out, StatResult{Exists: true, Expired: expired, Size: int64(len(out))}, nil
}

// WriteMetatile decomposes data into its Count tile payloads and writes
// each as an individual MBTiles row.
func (b *MBTilesBackend) WriteMetatile(_ context.Context, _, _ string, x, y, z uint32, data []byte) error {
	mt, err := metatile.Decode(data)
	if err != nil {
		return renderror.New(renderror.KindMalformed, "storage.mbtiles.WriteMetatile", err)
	}

	xa, ya := metatile.Align(x, y)

	b.mu.Lock()
	defer b.mu.Unlock()

	for dx := uint32(0); dx < metatile.N; dx++ {
		for dy := uint32(0); dy < metatile.N; dy++ {
			tx, ty := xa+dx, ya+dy
			tile := mt.Tiles[metatile.Slot(tx, ty)]
			if len(tile) == 0 {
				continue
			}
			if err := b.writer.WriteTile(int(z), int(tx), int(ty), tile); err != nil {
				return renderror.New(renderror.KindTransientStorage, "storage.mbtiles.WriteMetatile", err)
			}
		}
	}
	if err := b.writer.Flush(); err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.mbtiles.WriteMetatile", err)
	}
	return nil
}

// DeleteMetatile is unsupported: MBTiles archives are intended as
// append/replace-only render targets for render_list --all, not a
// backend individual tiles get evicted from.
func (b *MBTilesBackend) DeleteMetatile(context.Context, string, string, uint32, uint32, uint32) error {
	return renderror.New(renderror.KindConfig, "storage.mbtiles.DeleteMetatile", fmt.Errorf("mbtiles backend does not support deletion"))
}

// ExpireMetatile marks every tile in the aligned block expired.
func (b *MBTilesBackend) ExpireMetatile(_ context.Context, _, _ string, x, y, z uint32) error {
	xa, ya := metatile.Align(x, y)

	b.mu.Lock()
	defer b.mu.Unlock()

	for dx := uint32(0); dx < metatile.N; dx++ {
		for dy := uint32(0); dy < metatile.N; dy++ {
			tx, ty := xa+dx, ya+dy
			if err := b.writer.ExpireTile(int(z), int(tx), int(ty)); err != nil {
				return renderror.New(renderror.KindTransientStorage, "storage.mbtiles.ExpireMetatile", err)
			}
		}
	}
	return nil
}
