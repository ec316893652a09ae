// Package engine renders metatiles from a Mapnik stylesheet. Renderer is
// the seam that lets tests substitute NullRenderer for the Mapnik-backed
// implementation.
package engine

import "context"

// Renderer produces one fully rendered, encoded metatile per call.
type Renderer interface {
	// RenderMetatile renders the N×N block of tiles whose aligned
	// origin is (x, y, z) for style, returning the encoded metatile
	// bytes (internal/metatile wire format) ready for a storage
	// backend's WriteMetatile.
	RenderMetatile(ctx context.Context, style, options string, x, y, z uint32) ([]byte, error)

	Close() error
}

// StyleConfig maps a style name (as used in requests and storage paths)
// to its Mapnik XML stylesheet, per a renderd INI [<map-name>] section.
type StyleConfig struct {
	Name       string
	Stylesheet string
	// TileSize is the pixel width/height of one rendered tile; Mapnik
	// renders the whole N*TileSize square canvas in one call.
	TileSize int
	// Scale is the Mapnik scale factor applied to the render, 1.0 when
	// unset.
	Scale float64
}
