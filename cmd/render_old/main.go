// Command render_old walks a style's configured tile range and
// resubmits a render for every tile whose metatile predates a cutoff,
// the same "planet file updated, re-render anything stale" sweep as
// render_old.c.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tilecmd "github.com/MeKo-Tech/tilerenderd/internal/cmd"
	"github.com/MeKo-Tech/tilerenderd/internal/frontend"
	"github.com/MeKo-Tech/tilerenderd/internal/storage"
	"github.com/MeKo-Tech/tilerenderd/internal/tile"
	"github.com/MeKo-Tech/tilerenderd/internal/wire"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "render_old",
		Short:   "Re-render tiles older than a cutoff",
		Version: version,
		RunE:    run,
	}
	tilecmd.AddCommonFlags(root)
	root.Flags().Duration("older-than", 30*24*time.Hour, "render tiles whose metatile was last written before now minus this duration")
	_ = viper.BindPFlag("older-than", root.Flags().Lookup("older-than"))

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

	cutoff := time.Now().Add(-viper.GetDuration("older-than"))
	ctx := context.Background()
	client := frontend.NewClient(socketNetwork(flags.Socket), flags.Socket)

	for _, style := range styles {
		backend, err := storage.New(storage.Config{URI: tilecmd.ResolveBackendURI(style, flags.TileDir)})
		if err != nil {
			return fmt.Errorf("opening storage backend for style %q: %w", style.Name, err)
		}

		var coords []tile.Coords
		for z := flags.MinZoom; z <= flags.MaxZoom && z <= style.MaxZoom; z++ {
			n := uint32(1) << z
			tile.Range{Z: z, MinX: 0, MaxX: n - 1, MinY: 0, MaxY: n - 1}.ForEach(func(c tile.Coords) { coords = append(coords, c) })
		}

		bar := progressbar.Default(int64(len(coords)), fmt.Sprintf("render_old %s", style.Name))
		renderCount := 0
		for _, c := range coords {
			stat, err := backend.Stat(ctx, style.Name, "", c.X, c.Y, c.Z)
			if err != nil || !stat.Exists || !stat.ModTime.Before(cutoff) {
				_ = bar.Add(1)
				continue
			}

			if _, err := client.Render(ctx, style.Name, "", c.X, c.Y, c.Z, wire.CmdRenderLow, 0); err != nil {
				logger.Warn("render request failed", "coords", c.String(), "error", err)
			} else {
				renderCount++
			}
			_ = bar.Add(1)
		}
		backend.Close()

		logger.Info("render_old complete", "style", style.Name, "tiles", len(coords), "rendered", renderCount, "cutoff", cutoff.Format(time.RFC3339))
	}
	return nil
}

func socketNetwork(socket string) string {
	if len(socket) > 0 && socket[0] == '/' {
		return "unix"
	}
	return "tcp"
}
