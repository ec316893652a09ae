package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	mapnik "github.com/omniscale/go-mapnik/v2"

	"github.com/MeKo-Tech/tilerenderd/internal/metatile"
	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
)

// webMercatorSRS is the EPSG:3857 proj4 string every tile layer is
// rendered in.
const webMercatorSRS = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +no_defs +over"

// earthCircumference is the extent of the Web Mercator plane in meters;
// tile (0,0,0) spans [-half, +half] on both axes.
const earthCircumference = 40075016.685578488

// Setup is the global [mapnik] configuration applied once before any
// stylesheet is loaded.
type Setup struct {
	PluginsDir     string
	FontDir        string
	FontDirRecurse bool
}

// styleHandle pairs a loaded Mapnik map object with the mutex guarding
// it: a mapnik.Map is not safe for concurrent Render calls, so each
// style gets its own serialized handle rather than one lock for the
// whole renderer.
type styleHandle struct {
	mu       sync.Mutex
	m        *mapnik.Map
	tileSize int
	scale    float64
}

// MapnikRenderer renders metatiles through the Mapnik C++ library via
// cgo, one *mapnik.Map per configured style.
type MapnikRenderer struct {
	styles map[string]*styleHandle
}

// NewMapnikRenderer registers Mapnik's datasources and fonts, then loads
// every configured style's stylesheet eagerly, so a configuration error
// surfaces at daemon startup rather than on the first request.
func NewMapnikRenderer(setup Setup, styles []StyleConfig) (*MapnikRenderer, error) {
	if setup.PluginsDir != "" {
		if err := mapnik.RegisterDatasources(setup.PluginsDir); err != nil {
			return nil, renderror.New(renderror.KindConfig, "engine.mapnik.New",
				fmt.Errorf("registering datasources from %s: %w", setup.PluginsDir, err))
		}
	}
	if setup.FontDir != "" {
		if err := registerFonts(setup.FontDir, setup.FontDirRecurse); err != nil {
			return nil, renderror.New(renderror.KindConfig, "engine.mapnik.New", err)
		}
	}

	r := &MapnikRenderer{styles: make(map[string]*styleHandle, len(styles))}

	for _, sc := range styles {
		tileSize := sc.TileSize
		if tileSize == 0 {
			tileSize = 256
		}
		scale := sc.Scale
		if scale == 0 {
			scale = 1.0
		}

		canvas := tileSize * metatile.N
		m := mapnik.NewSized(canvas, canvas)
		if err := m.Load(sc.Stylesheet); err != nil {
			return nil, renderror.New(renderror.KindConfig, "engine.mapnik.New",
				fmt.Errorf("loading stylesheet for style %q (%s): %w", sc.Name, sc.Stylesheet, err))
		}
		m.SetSRS(webMercatorSRS)

		r.styles[sc.Name] = &styleHandle{
			m:        m,
			tileSize: tileSize,
			scale:    scale,
		}
	}

	return r, nil
}

func registerFonts(dir string, recurse bool) error {
	if err := mapnik.RegisterFonts(dir); err != nil {
		return fmt.Errorf("registering fonts from %s: %w", dir, err)
	}
	if !recurse {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == dir {
			return err
		}
		if err := mapnik.RegisterFonts(path); err != nil {
			return fmt.Errorf("registering fonts from %s: %w", path, err)
		}
		return nil
	})
}

// metatileExtent returns the Web Mercator bounding box of the N-tile
// square whose aligned origin is (xa, ya) at zoom z. Tile y grows
// southward while mercator y grows northward, hence the flip.
func metatileExtent(xa, ya, z uint32) (minx, miny, maxx, maxy float64) {
	half := earthCircumference / 2
	unit := earthCircumference / float64(uint64(1)<<z)

	minx = float64(xa)*unit - half
	maxx = float64(xa+metatile.N)*unit - half
	maxy = half - float64(ya)*unit
	miny = half - float64(ya+metatile.N)*unit
	return minx, miny, maxx, maxy
}

// RenderMetatile renders the full metatile.N x metatile.N canvas for
// the aligned origin (x, y, z) in one Mapnik call, then slices the
// resulting image into individual tile PNGs per slot, following the
// same render-big-then-cut approach as every metatile-aware Mapnik
// renderer.
func (r *MapnikRenderer) RenderMetatile(ctx context.Context, style, options string, x, y, z uint32) ([]byte, error) {
	h, ok := r.styles[style]
	if !ok {
		return nil, renderror.New(renderror.KindMalformed, "engine.mapnik.RenderMetatile", fmt.Errorf("unknown style %q", style))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	xa, ya := metatile.Align(x, y)
	h.m.ZoomTo(metatileExtent(xa, ya, z))

	img, err := h.m.RenderImage(mapnik.RenderOpts{Format: "png32", ScaleFactor: h.scale})
	if err != nil {
		return nil, renderror.New(renderror.KindRenderFailed, "engine.mapnik.RenderMetatile", err)
	}

	mt, err := sliceMetatile(img, h.tileSize, xa, ya, z)
	if err != nil {
		return nil, renderror.New(renderror.KindRenderFailed, "engine.mapnik.RenderMetatile", err)
	}

	out, err := metatile.Encode(mt)
	if err != nil {
		return nil, renderror.New(renderror.KindRenderFailed, "engine.mapnik.RenderMetatile", err)
	}
	return out, nil
}

// subImager is implemented by every concrete image.Image type Mapnik's
// RenderImage returns, letting sliceMetatile crop without copying the
// whole canvas per tile.
type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func sliceMetatile(img image.Image, tileSize int, xa, ya, z uint32) (metatile.Metatile, error) {
	simg, ok := img.(subImager)
	if !ok {
		return metatile.Metatile{}, fmt.Errorf("rendered canvas type %T has no SubImage method", img)
	}

	bounds := img.Bounds()
	var mt metatile.Metatile
	mt.X, mt.Y, mt.Z = xa, ya, z

	for dx := 0; dx < metatile.N; dx++ {
		for dy := 0; dy < metatile.N; dy++ {
			rect := image.Rect(
				bounds.Min.X+dx*tileSize, bounds.Min.Y+dy*tileSize,
				bounds.Min.X+(dx+1)*tileSize, bounds.Min.Y+(dy+1)*tileSize,
			)
			sub := simg.SubImage(rect)

			var buf bytes.Buffer
			if err := png.Encode(&buf, sub); err != nil {
				return metatile.Metatile{}, fmt.Errorf("encoding tile slot (%d,%d): %w", dx, dy, err)
			}
			mt.Tiles[metatile.Slot(xa+uint32(dx), ya+uint32(dy))] = buf.Bytes()
		}
	}
	return mt, nil
}

func (r *MapnikRenderer) Close() error {
	for _, h := range r.styles {
		h.mu.Lock()
		h.m.Free()
		h.mu.Unlock()
	}
	return nil
}
