// Package config parses the renderd INI configuration file: a [mapnik]
// section, one or more [renderd<N>] worker-pool sections, and one
// [<style-name>] section per configured map style.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
	"github.com/MeKo-Tech/tilerenderd/internal/tile"
)

// Mapnik holds the global [mapnik] section: where Mapnik should look for
// its input plugins and fonts.
type Mapnik struct {
	PluginsDir     string
	FontDir        string
	FontDirRecurse bool
}

// RenderdPool is one [renderd<N>] section: a named worker pool with its
// own thread count and socket, letting a single daemon process expose
// several independently tuned pools.
type RenderdPool struct {
	Name          string
	NumThreads    int
	TileDir       string
	StatsFile     string
	Socket        string
	IPSocket      string
	IPPort        int
	MaxLoadOld    float64
	MaxConnections int
}

// Style is one [<name>] map-style section: a Mapnik stylesheet plus the
// serving/storage parameters render_list, renderd and tileserver all
// need to address it.
type Style struct {
	Name         string
	URI          string // base URI prefix the frontend routes on
	XML          string
	Host         string
	ServerAlias  []string
	Store        string // storage backend URI; empty falls back to TileDir
	TileDir      string
	MinZoom      uint32
	MaxZoom      uint32
	TileSize     int
	Ext          string
	Mime         string
	Variant      string
	Scale        float64
	AspectX      int
	AspectY      int
	Parameterize bool
	Attribution  string
	Description  string
	CORS         string
}

// Config is the fully parsed renderd configuration.
type Config struct {
	Mapnik  Mapnik
	Renderd []RenderdPool
	Styles  []Style
}

const defaultTileSize = 256

// Load parses the INI file at path. It rejects a [renderd<N>] section
// name that appears more than once, the one structural error mod_tile's
// own config parser also refuses to tolerate, since two pools sharing a
// name cannot be told apart at lookup time.
func Load(path string) (Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowNonUniqueSections: true, InsensitiveKeys: true}, path)
	if err != nil {
		return Config{}, renderror.New(renderror.KindConfig, "config.Load", fmt.Errorf("reading %s: %w", path, err))
	}

	var cfg Config
	seenRenderd := make(map[string]int)

	for _, sec := range f.Sections() {
		name := sec.Name()
		switch {
		case name == ini.DefaultSection:
			continue
		case name == "mapnik":
			cfg.Mapnik = Mapnik{
				PluginsDir:     sec.Key("plugins_dir").String(),
				FontDir:        sec.Key("font_dir").String(),
				FontDirRecurse: sec.Key("font_dir_recurse").MustBool(false),
			}
		case strings.HasPrefix(name, "renderd"):
			seenRenderd[name]++
			if seenRenderd[name] > 1 {
				return Config{}, renderror.New(renderror.KindConfig, "config.Load",
					fmt.Errorf("duplicate renderd section %q", name))
			}
			pool, err := parseRenderdPool(name, sec)
			if err != nil {
				return Config{}, err
			}
			cfg.Renderd = append(cfg.Renderd, pool)
		default:
			style, err := parseStyle(name, sec)
			if err != nil {
				return Config{}, err
			}
			cfg.Styles = append(cfg.Styles, style)
		}
	}

	if len(cfg.Renderd) == 0 {
		return Config{}, renderror.New(renderror.KindConfig, "config.Load", fmt.Errorf("no [renderd<N>] section found"))
	}
	if len(cfg.Styles) == 0 {
		return Config{}, renderror.New(renderror.KindConfig, "config.Load", fmt.Errorf("no map style sections found"))
	}

	return cfg, nil
}

func parseRenderdPool(name string, sec *ini.Section) (RenderdPool, error) {
	numThreads := sec.Key("num_threads").MustInt(1)
	if numThreads < 1 {
		return RenderdPool{}, renderror.New(renderror.KindConfig, "config.parseRenderdPool",
			fmt.Errorf("section %q: num_threads must be >= 1, got %d", name, numThreads))
	}

	return RenderdPool{
		Name:           name,
		NumThreads:     numThreads,
		TileDir:        sec.Key("tile_dir").MustString("/var/lib/mod_tile"),
		StatsFile:      sec.Key("stats_file").String(),
		Socket:         sec.Key("socketname").String(),
		IPSocket:       sec.Key("iphostname").String(),
		IPPort:         sec.Key("ipport").MustInt(0),
		MaxLoadOld:     sec.Key("max_load_old").MustFloat64(2.0),
		MaxConnections: sec.Key("max_connections").MustInt(32),
	}, nil
}

func parseStyle(name string, sec *ini.Section) (Style, error) {
	minZoom := sec.Key("minzoom").MustInt(0)
	maxZoom := sec.Key("maxzoom").MustInt(int(tile.MaxZoom))
	if minZoom < 0 || maxZoom < minZoom || maxZoom > int(tile.MaxZoom) {
		return Style{}, renderror.New(renderror.KindConfig, "config.parseStyle",
			fmt.Errorf("section %q: invalid zoom range [%d, %d]", name, minZoom, maxZoom))
	}

	tileSize := sec.Key("tilesize").MustInt(defaultTileSize)
	if tileSize <= 0 {
		return Style{}, renderror.New(renderror.KindConfig, "config.parseStyle",
			fmt.Errorf("section %q: tilesize must be positive, got %d", name, tileSize))
	}

	xml := sec.Key("xml").String()
	if xml == "" {
		return Style{}, renderror.New(renderror.KindConfig, "config.parseStyle",
			fmt.Errorf("section %q: missing required XML stylesheet path", name))
	}

	scale := sec.Key("scale").MustFloat64(1.0)
	if scale < 0.1 || scale > 8.0 {
		return Style{}, renderror.New(renderror.KindConfig, "config.parseStyle",
			fmt.Errorf("section %q: scale %g outside [0.1, 8.0]", name, scale))
	}

	ext, mime, variant, err := parseType(sec.Key("type").String())
	if err != nil {
		return Style{}, renderror.New(renderror.KindConfig, "config.parseStyle",
			fmt.Errorf("section %q: %w", name, err))
	}

	return Style{
		Name:         name,
		URI:          sec.Key("uri").String(),
		XML:          xml,
		Host:         sec.Key("host").String(),
		ServerAlias:  strings.Fields(sec.Key("server_alias").String()),
		Store:        sec.Key("store").String(),
		TileDir:      sec.Key("tile_dir").String(),
		MinZoom:      uint32(minZoom),
		MaxZoom:      uint32(maxZoom),
		TileSize:     tileSize,
		Ext:          ext,
		Mime:         mime,
		Variant:      variant,
		Scale:        scale,
		AspectX:      sec.Key("aspectx").MustInt(1),
		AspectY:      sec.Key("aspecty").MustInt(1),
		Parameterize: sec.Key("parameterize_style").MustBool(false),
		Attribution:  sec.Key("attribution").String(),
		Description:  sec.Key("description").String(),
		CORS:         sec.Key("cors").String(),
	}, nil
}

// parseType splits a TYPE value of the form "<ext> <mime> [<variant>]",
// defaulting to PNG when the key is absent.
func parseType(value string) (ext, mime, variant string, err error) {
	if strings.TrimSpace(value) == "" {
		return "png", "image/png", "", nil
	}
	fields := strings.Fields(value)
	switch len(fields) {
	case 2:
		return fields[0], fields[1], "", nil
	case 3:
		return fields[0], fields[1], fields[2], nil
	default:
		return "", "", "", fmt.Errorf("invalid type %q, want \"<ext> <mime> [<variant>]\"", value)
	}
}

// renderdIndex extracts the numeric suffix of a "renderd<N>" section
// name; a bare "renderd" counts as index 0.
func renderdIndex(name string) (int, error) {
	suffix := strings.TrimPrefix(name, "renderd")
	if suffix == "" {
		return 0, nil
	}
	return strconv.Atoi(suffix)
}
