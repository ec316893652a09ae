// Command tileserver is the HTTP serving frontend: it
// classifies tile freshness, talks to a renderd socket for anything
// stale or missing, and serves current tiles straight off the
// configured storage backend.
package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tilecmd "github.com/MeKo-Tech/tilerenderd/internal/cmd"
	"github.com/MeKo-Tech/tilerenderd/internal/config"
	"github.com/MeKo-Tech/tilerenderd/internal/frontend"
	"github.com/MeKo-Tech/tilerenderd/internal/metrics"
	"github.com/MeKo-Tech/tilerenderd/internal/storage"
	"github.com/MeKo-Tech/tilerenderd/internal/throttle"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "tileserver",
		Short:   "HTTP tile serving frontend",
		Version: version,
		RunE:    run,
	}
	tilecmd.AddCommonFlags(root)
	root.Flags().String("addr", "127.0.0.1:8080", "listen address (host:port)")
	root.Flags().String("cors", "", `CORS policy: "*" for any origin, or a comma-separated allowlist of substrings`)
	root.Flags().Bool("enable-dirty-url", true, "enable the /z/x/y.ext/dirty endpoint")
	root.Flags().Duration("request-timeout", 5*time.Second, "deadline for an old/very-old on-demand render")
	root.Flags().Duration("request-timeout-priority", 15*time.Second, "deadline for a missing-tile priority render")
	root.Flags().String("forwarded-for", "off", `derive the client IP from X-Forwarded-For: "off", "first" or "last"`)
	root.Flags().Float64("max-load-old", 16, "load average above which stale tiles are served without an inline re-render")
	root.Flags().Float64("max-load-missing", 50, "load average above which missing tiles 404 instead of rendering on demand")
	for _, f := range []string{"addr", "cors", "enable-dirty-url", "request-timeout", "request-timeout-priority", "forwarded-for", "max-load-old", "max-load-missing"} {
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

	m := metrics.New(logger)

	layers := make([]frontend.Layer, 0, len(cfg.Styles))
	for _, s := range cfg.Styles {
		backend, err := buildBackend(s, cfg, flags)
		if err != nil {
			return err
		}

		// The --cors flag overrides every layer's own CORS key.
		corsValue := s.CORS
		if flagCORS := viper.GetString("cors"); flagCORS != "" {
			corsValue = flagCORS
		}

		baseURI := s.URI
		if baseURI == "" {
			baseURI = "/" + s.Name + "/"
		}

		layers = append(layers, frontend.Layer{
			Name:              s.Name,
			BaseURI:           baseURI,
			Backend:           backend,
			MinZoom:           s.MinZoom,
			MaxZoom:           s.MaxZoom,
			Mime:              s.Mime,
			Ext:               s.Ext,
			CORS:              frontend.ParseCORSConfig(corsValue),
			Attribution:       s.Attribution,
			Description:       s.Description,
			ParameterizeStyle: s.Parameterize,
		})
	}

	var client frontend.RenderClient
	if flags.Socket != "" {
		client = frontend.NewClient(socketNetwork(flags.Socket), flags.Socket)
	}

	fe := frontend.New(frontend.Config{
		Layers:                 layers,
		RenderClient:           client,
		Cache:                  frontend.DefaultCacheConfig(),
		VeryOldThreshold:       7 * 24 * time.Hour,
		MaxLoadOld:             viper.GetFloat64("max-load-old"),
		MaxLoadMissing:         viper.GetFloat64("max-load-missing"),
		LoadFunc:               frontend.LoadAverage,
		RequestTimeout:         viper.GetDuration("request-timeout"),
		RequestTimeoutPriority: viper.GetDuration("request-timeout-priority"),
		EnableDirtyURL:         viper.GetBool("enable-dirty-url"),
		ForwardedFor:           frontend.ParseForwardedForMode(viper.GetString("forwarded-for")),
		Throttle:               throttle.NewPool(throttle.DefaultConfig()),
		Metrics:                m,
		Logger:                 logger,
	})

	addr := viper.GetString("addr")
	logger.Info("tileserver listening", "addr", addr, "layers", len(layers))

	srv := &http.Server{Addr: addr, Handler: fe.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}

func buildBackend(s config.Style, cfg config.Config, flags tilecmd.CommonFlags) (storage.Backend, error) {
	if s.Store == "" && s.TileDir == "" {
		s.TileDir = cfg.Renderd[0].TileDir
	}
	backend, err := storage.New(storage.Config{URI: tilecmd.ResolveBackendURI(s, flags.TileDir)})
	if err != nil {
		return nil, fmt.Errorf("building storage backend for style %q: %w", s.Name, err)
	}
	return backend, nil
}

func socketNetwork(socket string) string {
	if len(socket) > 0 && socket[0] == '/' {
		return "unix"
	}
	return "tcp"
}
