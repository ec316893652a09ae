// Command render_speedtest benchmarks render throughput against a
// renderd socket, one zoom level at a time, the same per-zoom
// enqueue-then-wait-then-report-rate loop as render_speedtest.cpp.
package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tilecmd "github.com/MeKo-Tech/tilerenderd/internal/cmd"
	"github.com/MeKo-Tech/tilerenderd/internal/frontend"
	"github.com/MeKo-Tech/tilerenderd/internal/tile"
	"github.com/MeKo-Tech/tilerenderd/internal/wire"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "render_speedtest",
		Short:   "Benchmark render throughput against a renderd socket",
		Version: version,
		RunE:    run,
	}
	tilecmd.AddCommonFlags(root)
	root.Flags().Duration("timeout", 60*time.Second, "per-tile render timeout")
	_ = viper.BindPFlag("timeout", root.Flags().Lookup("timeout"))

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

	client := frontend.NewClient(socketNetwork(flags.Socket), flags.Socket)
	timeout := viper.GetDuration("timeout")
	ctx := context.Background()

	logger.Info("render_speedtest starting",
		"map", style.Name, "min_zoom", flags.MinZoom, "max_zoom", flags.MaxZoom, "num_threads", flags.NumThreads)

	// Warm-up render, to absorb first-render startup costs before timing.
	start := time.Now()
	_, _ = client.Render(ctx, style.Name, "", 0, 0, 0, wire.CmdRender, timeout)
	logger.Info("startup render complete", "elapsed", time.Since(start).String())

	var totalTiles int
	overallStart := time.Now()

	for z := flags.MinZoom; z <= flags.MaxZoom; z++ {
		n := uint32(1) << z
		var coords []tile.Coords
		tile.Range{Z: z, MinX: 0, MaxX: n - 1, MinY: 0, MaxY: n - 1}.ForEach(func(c tile.Coords) { coords = append(coords, c) })

		zoomStart := time.Now()
		rendered := renderAll(ctx, client, style.Name, coords, flags.NumThreads, timeout, logger)
		elapsed := time.Since(zoomStart)

		rate := float64(rendered) / elapsed.Seconds()
		logger.Info("zoom complete", "zoom", z, "tiles", rendered, "elapsed", elapsed.String(), "tiles_per_sec", fmt.Sprintf("%.2f", rate))
		totalTiles += rendered
	}

	overallElapsed := time.Since(overallStart)
	rate := float64(totalTiles) / overallElapsed.Seconds()
	logger.Info("render_speedtest complete", "tiles", totalTiles, "elapsed", overallElapsed.String(), "tiles_per_sec", fmt.Sprintf("%.2f", rate))
	return nil
}

func renderAll(ctx context.Context, client *frontend.Client, style string, coords []tile.Coords, workers int, timeout time.Duration, logger interface {
	Warn(string, ...any)
}) int {
	work := make(chan tile.Coords)
	var wg sync.WaitGroup
	var mu sync.Mutex
	rendered := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				done, err := client.Render(ctx, style, "", c.X, c.Y, c.Z, wire.CmdRenderBulk, timeout)
				if err != nil {
					logger.Warn("render failed", "coords", c.String(), "error", err)
					continue
				}
				if done {
					mu.Lock()
					rendered++
					mu.Unlock()
				}
			}
		}()
	}

	for _, c := range coords {
		work <- c
	}
	close(work)
	wg.Wait()

	return rendered
}

func socketNetwork(socket string) string {
	if len(socket) > 0 && socket[0] == '/' {
		return "unix"
	}
	return "tcp"
}
