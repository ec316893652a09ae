// Command render_expired walks a style's configured tile range and
// marks every metatile older than a cutoff as expired (dirty), leaving
// the stale copy in place for the frontend to serve while a render is
// queued, rather than re-rendering inline the way render_old does.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tilecmd "github.com/MeKo-Tech/tilerenderd/internal/cmd"
	"github.com/MeKo-Tech/tilerenderd/internal/storage"
	"github.com/MeKo-Tech/tilerenderd/internal/tile"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "render_expired",
		Short:   "Mark tiles older than a cutoff as expired",
		Version: version,
		RunE:    run,
	}
	tilecmd.AddCommonFlags(root)
	root.Flags().Duration("older-than", 30*24*time.Hour, "expire metatiles last written before now minus this duration")
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

		bar := progressbar.Default(int64(len(coords)), fmt.Sprintf("render_expired %s", style.Name))
		expired := 0
		for _, c := range coords {
			stat, err := backend.Stat(ctx, style.Name, "", c.X, c.Y, c.Z)
			if err != nil || !stat.Exists || stat.Expired || !stat.ModTime.Before(cutoff) {
				_ = bar.Add(1)
				continue
			}
			if err := backend.ExpireMetatile(ctx, style.Name, "", c.X, c.Y, c.Z); err != nil {
				logger.Warn("expire failed", "coords", c.String(), "error", err)
			} else {
				expired++
			}
			_ = bar.Add(1)
		}
		backend.Close()

		logger.Info("render_expired complete", "style", style.Name, "tiles", len(coords), "expired", expired, "cutoff", cutoff.Format(time.RFC3339))
	}
	return nil
}
