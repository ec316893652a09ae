// Command renderd is the render daemon: it loads a renderd INI
// configuration, builds a Mapnik-backed renderer and a storage backend
// per configured style, and serves wire-protocol requests on a
// Unix or TCP socket.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tilecmd "github.com/MeKo-Tech/tilerenderd/internal/cmd"
	"github.com/MeKo-Tech/tilerenderd/internal/config"
	"github.com/MeKo-Tech/tilerenderd/internal/engine"
	"github.com/MeKo-Tech/tilerenderd/internal/renderd"
	"github.com/MeKo-Tech/tilerenderd/internal/storage"
	"github.com/MeKo-Tech/tilerenderd/internal/throttle"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "renderd",
		Short:   "Mapnik-backed metatile render daemon",
		Version: version,
		RunE:    run,
	}
	tilecmd.AddCommonFlags(root)
	root.Flags().StringSlice("slave", nil, "TCP address of a slave renderd to forward requests to (host:port, repeatable)")
	_ = viper.BindPFlag("slave", root.Flags().Lookup("slave"))
	root.Flags().Duration("render-wait", 30*time.Second, "how long a connection waits for its own render before replying not-done")
	_ = viper.BindPFlag("render-wait", root.Flags().Lookup("render-wait"))

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

	if flags.TileDir != "" {
		for i := range cfg.Styles {
			cfg.Styles[i].TileDir = flags.TileDir
			cfg.Styles[i].Store = ""
		}
	}

	renderer, storages, maxZoom, err := buildRenderer(cfg)
	if err != nil {
		return err
	}
	defer renderer.Close()
	defer func() {
		for _, b := range storages {
			_ = b.Close()
		}
	}()

	pool := cfg.Renderd[0]
	if flags.Socket != "" {
		pool.Socket = flags.Socket
		pool.IPPort = 0
	}
	if pool.MaxConnections <= 0 {
		pool.MaxConnections = 32
	}

	daemonCfg := renderd.Config{
		Renderer:   renderer,
		Storage:    storages,
		MaxZoom:    maxZoom,
		NumWorkers: pool.NumThreads,
		Throttle:   throttle.NewPool(throttle.DefaultConfig()),
		RenderWait: viper.GetDuration("render-wait"),
		Logger:     logger,
	}

	if slaves := viper.GetStringSlice("slave"); len(slaves) > 0 {
		daemonCfg.Slaves = renderd.NewSlavePool(parseSlaves(slaves))
	}

	d := renderd.New(daemonCfg)
	defer d.Close()

	ln, err := listen(pool)
	if err != nil {
		return fmt.Errorf("binding renderd socket: %w", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("renderd listening", "addr", ln.Addr().String(), "styles", len(cfg.Styles), "workers", pool.NumThreads)
	return d.Run(ctx, ln)
}

func buildRenderer(cfg config.Config) (*engine.MapnikRenderer, map[string]storage.Backend, map[string]uint32, error) {
	styleConfigs := make([]engine.StyleConfig, 0, len(cfg.Styles))
	storages := make(map[string]storage.Backend, len(cfg.Styles))
	maxZoom := make(map[string]uint32, len(cfg.Styles))

	for _, s := range cfg.Styles {
		styleConfigs = append(styleConfigs, engine.StyleConfig{Name: s.Name, Stylesheet: s.XML, TileSize: s.TileSize, Scale: s.Scale})
		maxZoom[s.Name] = s.MaxZoom

		if s.Store == "" && s.TileDir == "" {
			s.TileDir = cfg.Renderd[0].TileDir
		}
		backend, err := storage.New(storage.Config{URI: tilecmd.ResolveBackendURI(s, "")})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("building storage backend for style %q: %w", s.Name, err)
		}
		storages[s.Name] = backend
	}

	setup := engine.Setup{
		PluginsDir:     cfg.Mapnik.PluginsDir,
		FontDir:        cfg.Mapnik.FontDir,
		FontDirRecurse: cfg.Mapnik.FontDirRecurse,
	}
	renderer, err := engine.NewMapnikRenderer(setup, styleConfigs)
	if err != nil {
		return nil, nil, nil, err
	}
	return renderer, storages, maxZoom, nil
}

func listen(pool config.RenderdPool) (net.Listener, error) {
	if pool.Socket != "" {
		_ = os.Remove(pool.Socket)
		return net.Listen("unix", pool.Socket)
	}
	if pool.IPPort > 0 {
		host := pool.IPSocket
		if host == "" {
			host = "0.0.0.0"
		}
		return net.Listen("tcp", fmt.Sprintf("%s:%d", host, pool.IPPort))
	}
	return nil, fmt.Errorf("renderd pool %q configures neither socketname nor ipport", pool.Name)
}

func parseSlaves(addrs []string) []renderd.SlaveConfig {
	out := make([]renderd.SlaveConfig, 0, len(addrs))
	for _, a := range addrs {
		network, address := "tcp", a
		if host, port, err := net.SplitHostPort(a); err == nil {
			network, address = "tcp", net.JoinHostPort(host, port)
		}
		out = append(out, renderd.SlaveConfig{Network: network, Address: address})
	}
	return out
}
