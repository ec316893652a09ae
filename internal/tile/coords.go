// Package tile provides the z/x/y tile coordinate type shared by every
// component that addresses a Web Mercator tile: the wire protocol, the
// metatile codec, the storage backends and the serving frontend.
package tile

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the highest zoom level the system will address. It bounds
// both the wire protocol's z field and every CLI tool's --max-zoom flag.
const MaxZoom = 20

// Coords is a single tile address in the Web Mercator tile grid.
type Coords struct {
	Z uint32
	X uint32
	Y uint32
}

// New builds a Coords value.
func New(z, x, y uint32) Coords {
	return Coords{Z: z, X: x, Y: y}
}

// Valid reports whether the coordinate lies within [0, Zmax] and
// 0 <= x,y < 2^z.
func (c Coords) Valid(maxZoom uint32) bool {
	if c.Z > maxZoom {
		return false
	}
	n := uint32(1) << c.Z
	return c.X < n && c.Y < n
}

// String renders the coordinate as "z{Z}_x{X}_y{Y}", the format used by
// ParseCoords and by on-disk staging filenames.
func (c Coords) String() string {
	return fmt.Sprintf("z%d_x%d_y%d", c.Z, c.X, c.Y)
}

// ParseCoords is the inverse of String.
func ParseCoords(s string) (Coords, error) {
	var c Coords
	if _, err := fmt.Sscanf(s, "z%d_x%d_y%d", &c.Z, &c.X, &c.Y); err != nil {
		return Coords{}, fmt.Errorf("invalid tile coordinate %q: %w", s, err)
	}
	return c, nil
}

// Tile returns the paulmach/orb maptile.Tile view of this coordinate, used
// by Bounds for the tile's WGS84 extent.
func (c Coords) Tile() maptile.Tile {
	return maptile.New(c.X, c.Y, maptile.Zoom(c.Z))
}

// Bounds returns [minLon, minLat, maxLon, maxLat] in WGS84.
func (c Coords) Bounds() [4]float64 {
	b := c.Tile().Bound()
	return [4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()}
}

// Range describes a rectangular region of tiles at a single zoom level,
// used by render_list --min-x/--max-x and the equivalent lat/lon form.
type Range struct {
	Z          uint32
	MinX, MaxX uint32
	MinY, MaxY uint32
}

// ForEach calls fn for every coordinate in the range, row-major on x.
func (r Range) ForEach(fn func(Coords)) {
	for y := r.MinY; y <= r.MaxY; y++ {
		for x := r.MinX; x <= r.MaxX; x++ {
			fn(New(r.Z, x, y))
		}
	}
}

// Count returns the number of tiles covered by the range.
func (r Range) Count() int {
	return int(r.MaxX-r.MinX+1) * int(r.MaxY-r.MinY+1)
}

// RangeFromLatLon builds a Range at zoom z covering a WGS84 bounding box,
// ordering min/max so the caller need not know tile-grid Y inversion.
func RangeFromLatLon(z uint32, minLat, minLon, maxLat, maxLon float64) Range {
	zoom := maptile.Zoom(z)
	a := maptile.At(orb.Point{minLon, minLat}, zoom)
	b := maptile.At(orb.Point{maxLon, maxLat}, zoom)

	minX, maxX := a.X, b.X
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	minY, maxY := a.Y, b.Y
	if minY > maxY {
		minY, maxY = maxY, minY
	}

	return Range{Z: z, MinX: minX, MaxX: maxX, MinY: minY, MaxY: maxY}
}
