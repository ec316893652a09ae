// Package cmd holds the flag/config/logging scaffolding shared by every
// binary in this module: the render daemon, the serving frontend, and
// the offline render_list/render_old/render_expired/render_speedtest
// tools. Each binary's own main package wires these helpers into its
// own cobra.Command rather than sharing one multi-subcommand root, since
// renderd and tileserver are long-running daemons while the others are
// one-shot CLI tools.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tilerenderd/internal/config"
	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
	"github.com/MeKo-Tech/tilerenderd/internal/tile"
)

// CommonFlags are the flags every tool in this module accepts at minimum:
// --config, --map, --min-zoom/--max-zoom, --num-threads, --socket,
// --tile-dir, --max-load, --verbose.
type CommonFlags struct {
	ConfigPath string
	Map        string
	MinZoom    uint32
	MaxZoom    uint32
	NumThreads int
	Socket     string
	TileDir    string
	MaxLoad    float64
	Verbose    bool
}

// AddCommonFlags registers the shared flag set on cmd and binds each one
// through viper, panicking if a bind fails.
func AddCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to the renderd INI configuration file")
	cmd.Flags().String("map", "", "map style name to operate on")
	cmd.Flags().Uint32("min-zoom", 0, "minimum zoom level")
	cmd.Flags().Uint32("max-zoom", tile.MaxZoom, "maximum zoom level")
	cmd.Flags().Int("num-threads", 1, "number of worker threads")
	cmd.Flags().String("socket", "", "renderd socket address (unix path or host:port)")
	cmd.Flags().String("tile-dir", "", "tile storage directory (overrides the config file's tile_dir)")
	cmd.Flags().Float64("max-load", 0, "skip rendering when system load exceeds this value (0 disables the check)")
	cmd.Flags().BoolP("verbose", "v", false, "enable debug logging")

	mustBind := func(flag string) {
		if err := viper.BindPFlag(flag, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("cmd: failed to bind flag %q: %v", flag, err))
		}
	}
	for _, f := range []string{"config", "map", "min-zoom", "max-zoom", "num-threads", "socket", "tile-dir", "max-load", "verbose"} {
		mustBind(f)
	}
}

// ResolveCommonFlags reads the bound values back out of viper and
// validates the invariants every tool needs: zoom clamped to
// [0, MaxZoom] with min <= max, num-threads >= 1. An invalid value is
// the caller's cue to exit(1) with a stderr diagnostic.
func ResolveCommonFlags() (CommonFlags, error) {
	f := CommonFlags{
		ConfigPath: viper.GetString("config"),
		Map:        viper.GetString("map"),
		MinZoom:    viper.GetUint32("min-zoom"),
		MaxZoom:    viper.GetUint32("max-zoom"),
		NumThreads: viper.GetInt("num-threads"),
		Socket:     viper.GetString("socket"),
		TileDir:    viper.GetString("tile-dir"),
		MaxLoad:    viper.GetFloat64("max-load"),
		Verbose:    viper.GetBool("verbose"),
	}

	if f.MaxZoom > tile.MaxZoom {
		return CommonFlags{}, fmt.Errorf("--max-zoom %d exceeds the maximum supported zoom %d", f.MaxZoom, tile.MaxZoom)
	}
	if f.MinZoom > f.MaxZoom {
		return CommonFlags{}, fmt.Errorf("--min-zoom %d must be <= --max-zoom %d", f.MinZoom, f.MaxZoom)
	}
	if f.NumThreads < 1 {
		return CommonFlags{}, fmt.Errorf("--num-threads must be >= 1, got %d", f.NumThreads)
	}
	return f, nil
}

// InitLogging builds the process-wide slog logger, a text handler to
// stderr with level controlled by --verbose or RENDERD_LOG_LEVEL.
func InitLogging(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if envLevel := strings.ToLower(os.Getenv("RENDERD_LOG_LEVEL")); envLevel != "" {
		switch envLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error", "err":
			level = slog.LevelError
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// LoadConfig loads the renderd INI file named by flags.ConfigPath,
// wrapping a missing path with the KindConfig error kind so every
// tool reports the same class of failure for the same mistake.
func LoadConfig(flags CommonFlags) (config.Config, error) {
	if flags.ConfigPath == "" {
		return config.Config{}, renderror.New(renderror.KindConfig, "cmd.LoadConfig", fmt.Errorf("--config is required"))
	}
	return config.Load(flags.ConfigPath)
}

// FindStyle returns the named style from cfg, or every style if name is
// empty — the mode render_old and render_expired use to sweep every
// configured map rather than a single one.
func FindStyle(cfg config.Config, name string) ([]config.Style, error) {
	if name == "" {
		return cfg.Styles, nil
	}
	for _, s := range cfg.Styles {
		if s.Name == name {
			return []config.Style{s}, nil
		}
	}
	return nil, fmt.Errorf("--map %q not found in configuration", name)
}

// ResolveBackendURI picks the storage backend URI for style: an
// explicit --tile-dir flag wins, then the style's STORE key, then its
// tile_dir turned into a file:// URI.
func ResolveBackendURI(style config.Style, flagTileDir string) string {
	if flagTileDir != "" {
		return "file://" + flagTileDir
	}
	if style.Store != "" {
		return style.Store
	}
	return "file://" + style.TileDir
}

// ExitConfigError is the distinctive exit status for configuration
// failures, as opposed to the plain status 1 invalid arguments get, so
// service managers can tell a broken config file from a bad flag.
const ExitConfigError = 7

// Fatal prints err to stderr and exits: status 7 for a configuration
// error (the error text names the offending section/key), status 1 for
// everything else. It is the single failure path every binary in this
// module funnels its RunE error through.
func Fatal(err error) {
	if renderror.Is(err, renderror.KindConfig) {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(ExitConfigError)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
