package metatile

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Path computes the directory-hashed on-disk location of the metatile
// covering (x, y, z) for a style/options pair: five hash bytes derived
// from the low-order nibbles of x and y cluster a 16x16 tile square per
// leaf directory while capping fan-out.
func Path(root, style, options string, x, y, z uint32) string {
	h := hashBytes(x, y)

	name := strconv.Itoa(int(h[0])) + ".meta"
	if options != "" {
		name = strconv.Itoa(int(h[0])) + "." + options + ".meta"
	}

	parts := []string{root, style, strconv.Itoa(int(z))}
	for i := 4; i >= 1; i-- {
		parts = append(parts, strconv.Itoa(int(h[i])))
	}
	parts = append(parts, name)
	return filepath.Join(parts...)
}

// hashBytes produces the five directory-hash bytes h[0..4] of the
// metatile containing (x, y): x and y are first aligned to the metatile
// grid, then h[i] = ((x & 0xf) << 4) | (y & 0xf); x >>= 4; y >>= 4.
func hashBytes(x, y uint32) [5]byte {
	x, y = Align(x, y)
	var h [5]byte
	for i := 0; i < 5; i++ {
		h[i] = byte(((x & 0xf) << 4) | (y & 0xf))
		x >>= 4
		y >>= 4
	}
	return h
}

// ParsePath recovers (style, z, x, y) — aligned to the metatile grid —
// from a path produced by Path, for offline tools that need to walk a
// stored tile tree. It validates that (x, y) lies within [0, 2^z) and
// that each hash byte is a valid 8-bit value.
func ParsePath(root, p string) (style string, z int, x, y uint32, options string, err error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", 0, 0, 0, "", fmt.Errorf("metatile: path %q not under root %q: %w", p, root, err)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 7 {
		return "", 0, 0, 0, "", fmt.Errorf("metatile: path %q too short", p)
	}

	style = parts[0]
	zoom, err := strconv.Atoi(parts[1])
	if err != nil || zoom < 0 {
		return "", 0, 0, 0, "", fmt.Errorf("metatile: invalid zoom in %q", p)
	}

	var h [5]byte
	for i := 0; i < 4; i++ {
		v, convErr := strconv.Atoi(parts[2+i])
		if convErr != nil || v < 0 || v > 255 {
			return "", 0, 0, 0, "", fmt.Errorf("metatile: invalid hash byte %q in %q", parts[2+i], p)
		}
		h[4-i] = byte(v)
	}

	last := parts[6]
	base := strings.TrimSuffix(last, ".meta")
	if base == last {
		return "", 0, 0, 0, "", fmt.Errorf("metatile: path %q does not end in .meta", p)
	}
	// base is "<h0>" or "<h0>.<options>"; h0 is always the leading component.
	h0Str := base
	if dot := strings.Index(base, "."); dot >= 0 {
		h0Str = base[:dot]
		options = base[dot+1:]
	}
	v, convErr := strconv.Atoi(h0Str)
	if convErr != nil || v < 0 || v > 255 {
		return "", 0, 0, 0, "", fmt.Errorf("metatile: invalid hash byte %q in %q", h0Str, p)
	}
	h[0] = byte(v)

	// Invert hashBytes: h[i] = ((x&0xf)<<4)|(y&0xf) at shift i*4.
	for i := 4; i >= 0; i-- {
		x = (x << 4) | uint32(h[i]>>4)
		y = (y << 4) | uint32(h[i]&0xf)
	}

	n := uint32(1) << uint32(zoom)
	if x >= n || y >= n {
		return "", 0, 0, 0, "", fmt.Errorf("metatile: coordinate (%d,%d) out of range for zoom %d", x, y, zoom)
	}

	xa, ya := Align(x, y)
	return style, zoom, xa, ya, options, nil
}
