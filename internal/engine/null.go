package engine

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"

	"github.com/MeKo-Tech/tilerenderd/internal/metatile"
	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
)

// NullRenderer produces a deterministic solid-color PNG for every tile
// slot, derived from (style, x, y, z) so two calls for the same
// coordinate always render identical bytes. It exists so unit tests can
// render metatiles without loading a Mapnik stylesheet.
type NullRenderer struct {
	TileSize int
	Styles   map[string]bool // nil means every style name is accepted
}

// NewNullRenderer returns a renderer accepting the given styles (or any
// style if styles is empty).
func NewNullRenderer(tileSize int, styles ...string) *NullRenderer {
	if tileSize == 0 {
		tileSize = 256
	}
	var allow map[string]bool
	if len(styles) > 0 {
		allow = make(map[string]bool, len(styles))
		for _, s := range styles {
			allow[s] = true
		}
	}
	return &NullRenderer{TileSize: tileSize, Styles: allow}
}

func (r *NullRenderer) RenderMetatile(ctx context.Context, style, options string, x, y, z uint32) ([]byte, error) {
	if r.Styles != nil && !r.Styles[style] {
		return nil, renderror.New(renderror.KindMalformed, "engine.null.RenderMetatile", errUnknownStyle(style))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	xa, ya := metatile.Align(x, y)
	var mt metatile.Metatile
	mt.X, mt.Y, mt.Z = xa, ya, z

	for dx := uint32(0); dx < metatile.N; dx++ {
		for dy := uint32(0); dy < metatile.N; dy++ {
			tx, ty := xa+dx, ya+dy
			png, err := r.renderTile(style, tx, ty, z)
			if err != nil {
				return nil, renderror.New(renderror.KindRenderFailed, "engine.null.RenderMetatile", err)
			}
			mt.Tiles[metatile.Slot(tx, ty)] = png
		}
	}

	out, err := metatile.Encode(mt)
	if err != nil {
		return nil, renderror.New(renderror.KindRenderFailed, "engine.null.RenderMetatile", err)
	}
	return out, nil
}

func (r *NullRenderer) renderTile(style string, x, y, z uint32) ([]byte, error) {
	c := colorFor(style, x, y, z)
	img := image.NewRGBA(image.Rect(0, 0, r.TileSize, r.TileSize))
	for py := 0; py < r.TileSize; py++ {
		for px := 0; px < r.TileSize; px++ {
			img.SetRGBA(px, py, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// colorFor derives a stable RGBA value from the tile coordinate so
// tests can assert two renders of the same tile are byte-identical and
// two different tiles are not.
func colorFor(style string, x, y, z uint32) color.RGBA {
	h := uint32(2166136261)
	for _, b := range []byte(style) {
		h = (h ^ uint32(b)) * 16777619
	}
	h = (h ^ x) * 16777619
	h = (h ^ y) * 16777619
	h = (h ^ z) * 16777619
	return color.RGBA{
		R: byte(h >> 24),
		G: byte(h >> 16),
		B: byte(h >> 8),
		A: 255,
	}
}

func (r *NullRenderer) Close() error { return nil }

type errUnknownStyle string

func (e errUnknownStyle) Error() string { return "unknown style: " + string(e) }
