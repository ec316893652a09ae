package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"golang.org/x/image/draw"

	"github.com/MeKo-Tech/tilerenderd/internal/metatile"
	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
)

// CompositeBackend overlays metatiles read from two underlying backends
// (of any kind, not necessarily both file-based), alpha-blending the
// secondary over the primary per tile slot. It is read-only: the merged
// result has no single backing store to write back to.
type CompositeBackend struct {
	primary, secondary Backend
	id                 string
}

// newCompositeFromURI parses the "composite:{<uri>}{<uri>}" grammar
// (spec §6.2) and recursively builds each sub-URI's own backend via New,
// so a composite layer can be any backend kind, e.g. an S3 layer
// composited over a local file layer.
func newCompositeFromURI(raw string) (*CompositeBackend, error) {
	primaryURI, secondaryURI, err := parseCompositeURI(raw)
	if err != nil {
		return nil, renderror.New(renderror.KindConfig, "storage.composite.New", err)
	}

	primary, err := New(Config{URI: primaryURI})
	if err != nil {
		return nil, renderror.New(renderror.KindConfig, "storage.composite.New",
			fmt.Errorf("primary layer %q: %w", primaryURI, err))
	}
	secondary, err := New(Config{URI: secondaryURI})
	if err != nil {
		return nil, renderror.New(renderror.KindConfig, "storage.composite.New",
			fmt.Errorf("secondary layer %q: %w", secondaryURI, err))
	}

	return &CompositeBackend{primary: primary, secondary: secondary, id: raw}, nil
}

// parseCompositeURI splits "composite:{primary}{secondary}" into its two
// brace-delimited sub-URIs.
func parseCompositeURI(raw string) (primary, secondary string, err error) {
	rest := strings.TrimPrefix(raw, "composite:")

	primary, rest, err = splitBraced(rest)
	if err != nil {
		return "", "", fmt.Errorf("parsing primary layer of %q: %w", raw, err)
	}
	secondary, rest, err = splitBraced(rest)
	if err != nil {
		return "", "", fmt.Errorf("parsing secondary layer of %q: %w", raw, err)
	}
	if rest != "" {
		return "", "", fmt.Errorf("unexpected trailing content %q after composite:{}{}", rest)
	}
	return primary, secondary, nil
}

// splitBraced extracts the contents of a single "{...}" group at the
// start of s, tracking brace depth so a nested composite:{...} sub-URI
// can itself contain braces.
func splitBraced(s string) (inner, rest string, err error) {
	if len(s) == 0 || s[0] != '{' {
		return "", "", fmt.Errorf("expected '{' at start of %q", s)
	}
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[1:i], s[i+1:], nil
			}
		}
	}
	return "", "", fmt.Errorf("unbalanced braces in %q", s)
}

func (b *CompositeBackend) ID() string { return "composite:" + b.id }

func (b *CompositeBackend) Close() error {
	err1 := b.primary.Close()
	err2 := b.secondary.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Stat reports presence if either layer has the metatile, and freshness
// as the most recent among present layers.
func (b *CompositeBackend) Stat(ctx context.Context, style, options string, x, y, z uint32) (StatResult, error) {
	var out StatResult
	for _, layer := range []Backend{b.primary, b.secondary} {
		st, err := layer.Stat(ctx, style, options, x, y, z)
		if err != nil {
			return StatResult{}, err
		}
		if !st.Exists {
			continue
		}
		out.Exists = true
		if st.Expired {
			out.Expired = true
		}
		if st.ModTime.After(out.ModTime) {
			out.ModTime = st.ModTime
		}
	}
	return out, nil
}

// Read decodes each layer's metatile, alpha-composites each of the
// Count tile slots (secondary painted over primary), and re-encodes the
// merged result.
func (b *CompositeBackend) Read(ctx context.Context, style, options string, x, y, z uint32) ([]byte, StatResult, error) {
	var merged metatile.Metatile
	merged.X, merged.Y, merged.Z = x, y, z
	have := false

	for _, layer := range []Backend{b.primary, b.secondary} {
		data, st, err := layer.Read(ctx, style, options, x, y, z)
		if err != nil {
			return nil, StatResult{}, err
		}
		if !st.Exists {
			continue
		}
		have = true

		mt, err := metatile.Decode(data)
		if err != nil {
			return nil, StatResult{}, renderror.New(renderror.KindRenderFailed, "storage.composite.Read", err)
		}
		for i, tile := range mt.Tiles {
			if len(tile) == 0 {
				continue
			}
			if len(merged.Tiles[i]) == 0 {
				merged.Tiles[i] = tile
				continue
			}
			blended, err := alphaOver(merged.Tiles[i], tile)
			if err != nil {
				return nil, StatResult{}, renderror.New(renderror.KindRenderFailed, "storage.composite.Read", err)
			}
			merged.Tiles[i] = blended
		}
	}

	if !have {
		return nil, StatResult{}, nil
	}

	out, err := metatile.Encode(merged)
	if err != nil {
		return nil, StatResult{}, renderror.New(renderror.KindRenderFailed, "storage.composite.Read", err)
	}
	return out, StatResult{Exists: true, Size: int64(len(out))}, nil
}

// alphaOver decodes two PNG tiles and paints src over dst using standard
// alpha compositing (image/draw.Over).
func alphaOver(dstPNG, srcPNG []byte) ([]byte, error) {
	dstImg, err := png.Decode(bytes.NewReader(dstPNG))
	if err != nil {
		return nil, fmt.Errorf("decoding base layer tile: %w", err)
	}
	srcImg, err := png.Decode(bytes.NewReader(srcPNG))
	if err != nil {
		return nil, fmt.Errorf("decoding overlay layer tile: %w", err)
	}

	bounds := dstImg.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, dstImg, bounds.Min, draw.Src)
	draw.Draw(out, bounds, srcImg, srcImg.Bounds().Min, draw.Over)

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encoding blended tile: %w", err)
	}
	return buf.Bytes(), nil
}

func (b *CompositeBackend) WriteMetatile(context.Context, string, string, uint32, uint32, uint32, []byte) error {
	return renderror.New(renderror.KindConfig, "storage.composite.WriteMetatile", fmt.Errorf("read-only backend"))
}

func (b *CompositeBackend) DeleteMetatile(context.Context, string, string, uint32, uint32, uint32) error {
	return renderror.New(renderror.KindConfig, "storage.composite.DeleteMetatile", fmt.Errorf("read-only backend"))
}

func (b *CompositeBackend) ExpireMetatile(context.Context, string, string, uint32, uint32, uint32) error {
	return renderror.New(renderror.KindConfig, "storage.composite.ExpireMetatile", fmt.Errorf("read-only backend"))
}
