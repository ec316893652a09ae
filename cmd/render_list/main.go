// Command render_list submits render requests for a range of tiles,
// either walked from --all plus a bounding range or read one
// "x y z" triple per line from stdin — the same two modes as
// render_list.c.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tilecmd "github.com/MeKo-Tech/tilerenderd/internal/cmd"
	"github.com/MeKo-Tech/tilerenderd/internal/frontend"
	"github.com/MeKo-Tech/tilerenderd/internal/metatile"
	"github.com/MeKo-Tech/tilerenderd/internal/storage"
	"github.com/MeKo-Tech/tilerenderd/internal/tile"
	"github.com/MeKo-Tech/tilerenderd/internal/tilearchive"
	"github.com/MeKo-Tech/tilerenderd/internal/wire"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "render_list",
		Short:   "Submit render requests for a range of tiles",
		Version: version,
		RunE:    run,
	}
	tilecmd.AddCommonFlags(root)
	root.Flags().Bool("all", false, "walk the whole configured range instead of reading coordinates from stdin")
	root.Flags().Bool("force", false, "render tiles even if they appear current")
	root.Flags().Uint32("min-x", 0, "minimum x coordinate (requires --min-zoom == --max-zoom)")
	root.Flags().Uint32("max-x", 0, "maximum x coordinate")
	root.Flags().Uint32("min-y", 0, "minimum y coordinate")
	root.Flags().Uint32("max-y", 0, "maximum y coordinate")
	root.Flags().Float64("min-lat", 0, "minimum latitude (mutually exclusive with --min-x/--max-x)")
	root.Flags().Float64("max-lat", 0, "maximum latitude")
	root.Flags().Float64("min-lon", 0, "minimum longitude")
	root.Flags().Float64("max-lon", 0, "maximum longitude")
	root.Flags().String("import-archive", "", "path to a tilepack-style sqlite archive to copy tiles from instead of rendering")
	for _, f := range []string{"all", "force", "min-x", "max-x", "min-y", "max-y", "min-lat", "max-lat", "min-lon", "max-lon", "import-archive"} {
		_ = viper.BindPFlag(f, root.Flags().Lookup(f))
	}

	if err := root.Execute(); err != nil {
		tilecmd.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	flags, err := tilecmd.ResolveCommonFlags()
	if err != nil {
		return err
	}
	logger := tilecmd.InitLogging(flags.Verbose)

	cfg, err := tilecmd.LoadConfig(flags)
	if err != nil {
		return err
	}
	styles, err := tilecmd.FindStyle(cfg, flags.Map)
	if err != nil {
		return err
	}
	style := styles[0]

	backend, err := storage.New(storage.Config{URI: tilecmd.ResolveBackendURI(style, flags.TileDir)})
	if err != nil {
		return fmt.Errorf("opening storage backend: %w", err)
	}
	defer backend.Close()

	if archivePath := viper.GetString("import-archive"); archivePath != "" {
		return importArchive(context.Background(), archivePath, style.Name, backend, logger)
	}

	client := frontend.NewClient(socketNetwork(flags.Socket), flags.Socket)

	force := viper.GetBool("force")
	ctx := context.Background()

	var coords []tile.Coords
	if viper.GetBool("all") {
		coords, err = tilesFromRange(flags)
		if err != nil {
			return err
		}
	} else {
		coords, err = tilesFromStdin()
		if err != nil {
			return err
		}
	}

	bar := progressbar.Default(int64(len(coords)), "rendering")
	start := time.Now()
	rendered := 0

	for _, c := range coords {
		if !force {
			stat, err := backend.Stat(ctx, style.Name, "", c.X, c.Y, c.Z)
			if err == nil && stat.Exists && !stat.Expired {
				_ = bar.Add(1)
				continue
			}
		}

		done, err := client.Render(ctx, style.Name, "", c.X, c.Y, c.Z, wire.CmdRenderBulk, 0)
		if err != nil {
			logger.Warn("render request failed", "coords", c.String(), "error", err)
		} else if done {
			rendered++
		}
		_ = bar.Add(1)
	}

	elapsed := time.Since(start)
	logger.Info("render_list complete", "tiles", len(coords), "rendered", rendered, "elapsed", elapsed.String())
	return nil
}

func tilesFromRange(flags tilecmd.CommonFlags) ([]tile.Coords, error) {
	var out []tile.Coords

	haveXY := viper.IsSet("min-x") || viper.IsSet("max-x") || viper.IsSet("min-y") || viper.IsSet("max-y")
	haveLatLon := viper.IsSet("min-lat") || viper.IsSet("max-lat") || viper.IsSet("min-lon") || viper.IsSet("max-lon")
	if haveXY && haveLatLon {
		return nil, fmt.Errorf("--min-x/--max-x/--min-y/--max-y and --min-lat/.../--max-lon are mutually exclusive")
	}

	for z := flags.MinZoom; z <= flags.MaxZoom; z++ {
		n := uint32(1) << z

		switch {
		case haveXY:
			if flags.MinZoom != flags.MaxZoom {
				return nil, fmt.Errorf("--min-x/--max-x form requires --min-zoom == --max-zoom")
			}
			minX, maxX := viper.GetUint32("min-x"), viper.GetUint32("max-x")
			minY, maxY := viper.GetUint32("min-y"), viper.GetUint32("max-y")
			if maxX >= n || maxY >= n {
				return nil, fmt.Errorf("x/y range exceeds [0, %d) at zoom %d", n, z)
			}
			tile.Range{Z: z, MinX: minX, MaxX: maxX, MinY: minY, MaxY: maxY}.ForEach(func(c tile.Coords) { out = append(out, c) })
		case haveLatLon:
			r := tile.RangeFromLatLon(z,
				viper.GetFloat64("min-lat"), viper.GetFloat64("min-lon"),
				viper.GetFloat64("max-lat"), viper.GetFloat64("max-lon"))
			r.ForEach(func(c tile.Coords) { out = append(out, c) })
		default:
			tile.Range{Z: z, MinX: 0, MaxX: n - 1, MinY: 0, MaxY: n - 1}.ForEach(func(c tile.Coords) { out = append(out, c) })
		}
	}
	return out, nil
}

func tilesFromStdin() ([]tile.Coords, error) {
	var out []tile.Coords
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var x, y, z uint32
		if _, err := fmt.Sscanf(scanner.Text(), "%d %d %d", &x, &y, &z); err != nil {
			continue
		}
		out = append(out, tile.New(z, x, y))
	}
	return out, scanner.Err()
}

// importArchive copies every tile out of a legacy tilepack-style sqlite
// archive into backend. The archive stores tiles individually, so each
// one is merged into the metatile already stored for its block (if any)
// and the result written back.
func importArchive(ctx context.Context, path, styleName string, backend storage.Backend, logger *slog.Logger) error {
	archive, err := tilearchive.Open(path)
	if err != nil {
		return err
	}
	defer archive.Close()

	imported := 0
	err = archive.VisitAll(func(c tile.Coords, data []byte) error {
		ax, ay := metatile.Align(c.X, c.Y)
		var m metatile.Metatile
		if old, st, err := backend.Read(ctx, styleName, "", c.X, c.Y, c.Z); err == nil && st.Exists {
			if prev, err := metatile.Decode(old); err == nil {
				m = prev
			}
		}
		m.X, m.Y, m.Z = ax, ay, c.Z
		m.Tiles[metatile.Slot(c.X, c.Y)] = data

		blob, err := metatile.Encode(m)
		if err != nil {
			logger.Warn("import: encoding metatile failed", "coords", c.String(), "error", err)
			return nil
		}
		if err := backend.WriteMetatile(ctx, styleName, "", c.X, c.Y, c.Z, blob); err != nil {
			logger.Warn("import: writing metatile failed", "coords", c.String(), "error", err)
			return nil
		}
		imported++
		return nil
	})
	if err != nil {
		return fmt.Errorf("importing archive %q: %w", path, err)
	}

	logger.Info("import complete", "archive", path, "style", styleName, "tiles", imported)
	return nil
}

func socketNetwork(socket string) string {
	if len(socket) > 0 && socket[0] == '/' {
		return "unix"
	}
	return "tcp"
}
