package metatile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathFormat(t *testing.T) {
	// (4297, 2754) aligns to (4296, 2752), so hashBytes gives
	// [128, 204, 10, 16, 0]; Path walks h[4..1] then appends h[0] as the
	// leaf filename.
	p := Path("/var/lib/tiles", "default", "", 4297, 2754, 13)
	require.Equal(t, "/var/lib/tiles/default/13/0/16/10/204/128.meta", p)
}

func TestPathWithOptions(t *testing.T) {
	p := Path("/var/lib/tiles", "default", "grey", 4297, 2754, 13)
	require.Contains(t, p, ".grey.meta")
}

func TestPathRoundTrip(t *testing.T) {
	cases := []struct {
		style   string
		options string
		x, y, z uint32
	}{
		{"default", "", 4297, 2754, 13},
		{"default", "grey", 4297, 2754, 13},
		{"osm-bright", "", 0, 0, 0},
		{"osm-bright", "", 262143, 262143, 18},
		{"night", "retina", 1, 1, 1},
	}

	for _, c := range cases {
		p := Path("/var/lib/tiles", c.style, c.options, c.x, c.y, c.z)
		style, z, x, y, options, err := ParsePath("/var/lib/tiles", p)
		require.NoErrorf(t, err, "ParsePath(%q)", p)
		require.Equal(t, c.style, style)
		require.Equal(t, int(c.z), z)
		require.Equal(t, c.options, options)

		xa, ya := Align(c.x, c.y)
		require.Equal(t, xa, x)
		require.Equal(t, ya, y)
	}
}

func TestParsePathRejectsMalformed(t *testing.T) {
	cases := []string{
		"/var/lib/tiles/default/13/0/18/18/2/4.png",
		"/var/lib/tiles/default/13/0/18/18/4.meta",
		"/var/lib/tiles/default/-1/0/18/18/2/4.meta",
		"/other/root/default/13/0/18/18/2/4.meta",
	}
	for _, p := range cases {
		_, _, _, _, _, err := ParsePath("/var/lib/tiles", p)
		require.Errorf(t, err, "expected ParsePath(%q) to fail", p)
	}
}

func TestHashBytesAligned(t *testing.T) {
	// Every coordinate within one metatile block shares the same hash
	// bytes once aligned to the metatile grid origin.
	xa, ya := Align(4297, 2754)
	h1 := hashBytes(xa, ya)
	for dx := uint32(0); dx < N; dx++ {
		for dy := uint32(0); dy < N; dy++ {
			h2 := hashBytes(xa+dx, ya+dy)
			require.Equal(t, h1, h2)
		}
	}
}
