package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "renderd.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validConfig = `
[mapnik]
plugins_dir=/usr/lib/mapnik/input
font_dir=/usr/share/fonts
font_dir_recurse=true

[renderd0]
num_threads=4
tile_dir=/var/lib/mod_tile
socketname=/var/run/renderd/renderd.sock
max_load_old=4.0

[default]
URI=/osm/
XML=/etc/renderd/style.xml
HOST=tile.example.com
TILESIZE=256
MAXZOOM=19
`

func TestLoadParsesAllSections(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/usr/lib/mapnik/input", cfg.Mapnik.PluginsDir)
	require.True(t, cfg.Mapnik.FontDirRecurse)

	require.Len(t, cfg.Renderd, 1)
	require.Equal(t, "renderd0", cfg.Renderd[0].Name)
	require.Equal(t, 4, cfg.Renderd[0].NumThreads)
	require.Equal(t, "/var/lib/mod_tile", cfg.Renderd[0].TileDir)
	require.InDelta(t, 4.0, cfg.Renderd[0].MaxLoadOld, 0.0001)

	require.Len(t, cfg.Styles, 1)
	require.Equal(t, "default", cfg.Styles[0].Name)
	require.Equal(t, "/etc/renderd/style.xml", cfg.Styles[0].XML)
	require.Equal(t, 256, cfg.Styles[0].TileSize)
	require.Equal(t, uint32(19), cfg.Styles[0].MaxZoom)
	require.Equal(t, "image/png", cfg.Styles[0].Mime)
}

func TestLoadParsesStyleServingKeys(t *testing.T) {
	body := `
[renderd0]
num_threads=1

[hillshade]
URI=/hs/
XML=/etc/renderd/hillshade.xml
STORE=s3://tiles-bucket/hillshade
TYPE=jpg image/jpeg quality90
SCALE=2.0
ASPECTX=2
ASPECTY=1
PARAMETERIZE_STYLE=true
ATTRIBUTION=Example contributors
DESCRIPTION=Shaded relief overlay
CORS=*
HOST=tile.example.com
SERVER_ALIAS=a.tile.example.com b.tile.example.com
`
	path := writeConfig(t, body)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Styles, 1)

	s := cfg.Styles[0]
	require.Equal(t, "/hs/", s.URI)
	require.Equal(t, "s3://tiles-bucket/hillshade", s.Store)
	require.Equal(t, "jpg", s.Ext)
	require.Equal(t, "image/jpeg", s.Mime)
	require.Equal(t, "quality90", s.Variant)
	require.InDelta(t, 2.0, s.Scale, 0.0001)
	require.Equal(t, 2, s.AspectX)
	require.Equal(t, 1, s.AspectY)
	require.True(t, s.Parameterize)
	require.Equal(t, "Example contributors", s.Attribution)
	require.Equal(t, "*", s.CORS)
	require.Equal(t, []string{"a.tile.example.com", "b.tile.example.com"}, s.ServerAlias)
}

func TestLoadRejectsScaleOutOfRange(t *testing.T) {
	body := `
[renderd0]
num_threads=1

[default]
XML=/etc/renderd/style.xml
SCALE=9.5
`
	path := writeConfig(t, body)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "scale")
}

func TestLoadRejectsMalformedType(t *testing.T) {
	body := `
[renderd0]
num_threads=1

[default]
XML=/etc/renderd/style.xml
TYPE=png
`
	path := writeConfig(t, body)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "type")
}

func TestLoadRejectsDuplicateRenderdSection(t *testing.T) {
	body := validConfig + `
[renderd0]
num_threads=8
`
	path := writeConfig(t, body)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate renderd section")
}

func TestLoadAllowsMultipleDistinctRenderdSections(t *testing.T) {
	body := validConfig + `
[renderd1]
num_threads=2
tile_dir=/var/lib/mod_tile_low_priority
`
	path := writeConfig(t, body)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Renderd, 2)
}

func TestLoadRejectsZeroThreads(t *testing.T) {
	body := `
[renderd0]
num_threads=0

[default]
XML=/etc/renderd/style.xml
`
	path := writeConfig(t, body)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "num_threads")
}

func TestLoadRejectsInvalidZoomRange(t *testing.T) {
	body := `
[renderd0]
num_threads=1

[default]
XML=/etc/renderd/style.xml
MINZOOM=10
MAXZOOM=5
`
	path := writeConfig(t, body)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "zoom range")
}

func TestLoadRejectsStyleMissingXML(t *testing.T) {
	body := `
[renderd0]
num_threads=1

[default]
URI=/osm/
`
	path := writeConfig(t, body)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "XML")
}

func TestLoadRejectsMissingRenderdSection(t *testing.T) {
	body := `
[default]
XML=/etc/renderd/style.xml
`
	path := writeConfig(t, body)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "renderd")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	require.Error(t, err)
}

func TestRenderdIndex(t *testing.T) {
	idx, err := renderdIndex("renderd0")
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	idx, err = renderdIndex("renderd3")
	require.NoError(t, err)
	require.Equal(t, 3, idx)

	_, err = renderdIndex("renderdfoo")
	require.Error(t, err)
}
