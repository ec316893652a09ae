// Package frontend implements the tile-serving HTTP frontend: route
// parsing, tile-state classification, throttling, cache-control
// synthesis and CORS. It talks to a render daemon only
// through the internal/wire protocol, the same boundary a real mod_tile
// deployment has between its Apache module and renderd.
package frontend

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/MeKo-Tech/tilerenderd/internal/metatile"
	"github.com/MeKo-Tech/tilerenderd/internal/metrics"
	"github.com/MeKo-Tech/tilerenderd/internal/storage"
	"github.com/MeKo-Tech/tilerenderd/internal/throttle"
	"github.com/MeKo-Tech/tilerenderd/internal/wire"
)

// Layer is one configured map style as the frontend sees it: where its
// tiles live and how to address its backing renderd pool.
type Layer struct {
	Name              string
	BaseURI           string // e.g. "/osm/"; must start and end with "/"
	Backend           storage.Backend
	MinZoom, MaxZoom  uint32
	Mime              string
	Ext               string
	CORS              *CORSConfig
	Attribution       string
	Description       string
	ParameterizeStyle bool
}

// Config wires a Frontend together.
type Config struct {
	Layers           []Layer
	RenderClient     RenderClient
	Cache            CacheConfig
	VeryOldThreshold time.Duration

	MaxLoadOld     float64
	MaxLoadMissing float64
	LoadFunc       func() float64 // nil means "never overloaded"

	RequestTimeout         time.Duration
	RequestTimeoutPriority time.Duration

	EnableDirtyURL bool
	ClientPenalty  time.Duration
	Throttle       *throttle.Pool // nil disables throttling

	// ForwardedFor selects how the throttled client IP is derived when
	// the frontend sits behind a trusted reverse proxy.
	ForwardedFor ForwardedForMode

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time // nil means time.Now
}

// Frontend serves tile requests for a set of layers.
type Frontend struct {
	cfg    Config
	layers []Layer // sorted longest BaseURI first, for prefix matching
	stats  *Stats
}

// New builds a Frontend from cfg.
func New(cfg Config) *Frontend {
	layers := append([]Layer(nil), cfg.Layers...)
	sort.Slice(layers, func(i, j int) bool { return len(layers[i].BaseURI) > len(layers[j].BaseURI) })
	return &Frontend{cfg: cfg, layers: layers, stats: NewStats()}
}

func (f *Frontend) now() time.Time {
	if f.cfg.Now != nil {
		return f.cfg.Now()
	}
	return time.Now()
}

func (f *Frontend) log() *slog.Logger {
	if f.cfg.Logger != nil {
		return f.cfg.Logger
	}
	return slog.Default()
}

func (f *Frontend) load() float64 {
	if f.cfg.LoadFunc == nil {
		return 0
	}
	return f.cfg.LoadFunc()
}

func (f *Frontend) layerFor(path string) (Layer, string, bool) {
	for _, l := range f.layers {
		if strings.HasPrefix(path, l.BaseURI) {
			return l, strings.TrimPrefix(path, l.BaseURI), true
		}
	}
	return Layer{}, "", false
}

// Handler returns the top-level http.Handler for every route this
// frontend serves: per-layer tile/status/dirty/tile-layer.json, plus the
// shared /mod_tile and /metrics endpoints.
func (f *Frontend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mod_tile", f.handleModTile)
	if f.cfg.Metrics != nil {
		mux.Handle("/metrics", f.cfg.Metrics.Handler())
	}
	mux.HandleFunc("/", f.handleTile)
	return mux
}

func (f *Frontend) handleModTile(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	f.stats.WriteDump(w)
}

func (f *Frontend) handleTile(w http.ResponseWriter, r *http.Request) {
	layer, rest, ok := f.layerFor(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if rest == "tile-layer.json" {
		f.serveTileJSON(w, r, layer)
		return
	}

	if layer.CORS != nil {
		layer.CORS.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f.serveTile(w, r, layer, rest)
		})).ServeHTTP(w, r)
		return
	}
	f.serveTile(w, r, layer, rest)
}

func (f *Frontend) serveTileJSON(w http.ResponseWriter, r *http.Request, layer Layer) {
	host := "http://" + r.Host
	writeJSON(w, http.StatusOK, buildTileJSON(layer, host))
}

func (f *Frontend) clientPenaltyAndNotFound(w http.ResponseWriter) {
	if f.cfg.ClientPenalty > 0 {
		time.Sleep(f.cfg.ClientPenalty)
	}
	http.NotFound(w, nil)
}

func (f *Frontend) serveTile(w http.ResponseWriter, r *http.Request, layer Layer, rest string) {
	req, ok := parseRequest(rest, layer.ParameterizeStyle)
	if !ok || !req.Coords.Valid(layer.MaxZoom) || req.Coords.Z < layer.MinZoom ||
		(layer.Ext != "" && req.Ext != layer.Ext) {
		f.clientPenaltyAndNotFound(w)
		f.stats.Record(layer.Name, 0, StateMissing, http.StatusNotFound)
		return
	}

	ctx := r.Context()
	stat, err := layer.Backend.Stat(ctx, layer.Name, req.Options, req.Coords.X, req.Coords.Y, req.Coords.Z)
	if err != nil {
		f.log().Warn("stat failed", "layer", layer.Name, "coords", req.Coords.String(), "error", err)
		writeText(w, http.StatusInternalServerError, "internal error")
		f.stats.Record(layer.Name, req.Coords.Z, StateMissing, http.StatusInternalServerError)
		return
	}

	now := f.now()
	state := Classify(stat, now, f.cfg.VeryOldThreshold)

	if f.cfg.Throttle != nil {
		ip := f.clientIP(r)
		if ip != nil && !f.cfg.Throttle.Allow(ip, state != StateCurrent) {
			writeText(w, http.StatusServiceUnavailable, "throttled")
			if f.cfg.Metrics != nil {
				f.cfg.Metrics.ObserveThrottled(layer.Name)
			}
			f.stats.Record(layer.Name, req.Coords.Z, state, http.StatusServiceUnavailable)
			return
		}
	}

	switch req.Action {
	case "status":
		f.serveStatus(w, state, stat)
		return
	case "dirty":
		f.serveDirty(ctx, w, layer, req)
		return
	}

	switch state {
	case StateCurrent:
		f.serveBytes(ctx, w, r, layer, req, stat, state, now, false)
	case StateOld:
		f.dispatchStale(ctx, w, r, layer, req, stat, state, now, wire.CmdRenderLow)
	case StateVeryOld:
		f.dispatchStale(ctx, w, r, layer, req, stat, state, now, wire.CmdRender)
	case StateMissing:
		f.dispatchMissing(ctx, w, r, layer, req, state)
	}
}

func (f *Frontend) dispatchStale(ctx context.Context, w http.ResponseWriter, r *http.Request, layer Layer, req request, stat storage.StatResult, state State, now time.Time, cmd wire.Cmd) {
	if f.load() > f.cfg.MaxLoadOld {
		f.enqueueDirty(ctx, layer, req)
		f.serveBytes(ctx, w, r, layer, req, stat, state, now, true)
		return
	}

	if f.cfg.RenderClient != nil {
		_, _ = f.cfg.RenderClient.Render(ctx, layer.Name, req.Options, req.Coords.X, req.Coords.Y, req.Coords.Z, cmd, f.cfg.RequestTimeout)
	}
	f.serveBytes(ctx, w, r, layer, req, stat, state, now, true)
}

func (f *Frontend) dispatchMissing(ctx context.Context, w http.ResponseWriter, r *http.Request, layer Layer, req request, state State) {
	if f.load() > f.cfg.MaxLoadMissing {
		f.enqueueDirty(ctx, layer, req)
		f.clientPenaltyAndNotFound(w)
		f.stats.Record(layer.Name, req.Coords.Z, state, http.StatusNotFound)
		return
	}

	if f.cfg.RenderClient == nil {
		f.clientPenaltyAndNotFound(w)
		f.stats.Record(layer.Name, req.Coords.Z, state, http.StatusNotFound)
		return
	}

	done, err := f.cfg.RenderClient.Render(ctx, layer.Name, req.Options, req.Coords.X, req.Coords.Y, req.Coords.Z, wire.CmdRenderPrio, f.cfg.RequestTimeoutPriority)
	if err != nil || !done {
		f.clientPenaltyAndNotFound(w)
		f.stats.Record(layer.Name, req.Coords.Z, state, http.StatusNotFound)
		return
	}

	stat, err := layer.Backend.Stat(ctx, layer.Name, req.Options, req.Coords.X, req.Coords.Y, req.Coords.Z)
	if err != nil || !stat.Exists {
		f.clientPenaltyAndNotFound(w)
		f.stats.Record(layer.Name, req.Coords.Z, state, http.StatusNotFound)
		return
	}
	f.serveBytes(ctx, w, r, layer, req, stat, StateCurrent, f.now(), false)
}

func (f *Frontend) enqueueDirty(ctx context.Context, layer Layer, req request) {
	if f.cfg.RenderClient == nil {
		return
	}
	if err := f.cfg.RenderClient.Dirty(ctx, layer.Name, req.Options, req.Coords.X, req.Coords.Y, req.Coords.Z); err != nil {
		f.log().Debug("dirty enqueue failed", "layer", layer.Name, "error", err)
	}
}

const maxTileSize = 1 << 20 // 1 MiB, mirrors mod_tile's MAX_SIZE guard

func (f *Frontend) serveBytes(ctx context.Context, w http.ResponseWriter, r *http.Request, layer Layer, req request, stat storage.StatResult, state State, now time.Time, stale bool) {
	start := time.Now()
	blob, _, err := layer.Backend.Read(ctx, layer.Name, req.Options, req.Coords.X, req.Coords.Y, req.Coords.Z)
	if err != nil || len(blob) == 0 {
		f.clientPenaltyAndNotFound(w)
		f.stats.Record(layer.Name, req.Coords.Z, state, http.StatusNotFound)
		return
	}

	h, err := metatile.DecodeHeader(blob, int64(len(blob)))
	if err != nil {
		f.log().Warn("metatile header decode failed", "layer", layer.Name, "coords", req.Coords.String(), "error", err)
		f.clientPenaltyAndNotFound(w)
		f.stats.Record(layer.Name, req.Coords.Z, state, http.StatusNotFound)
		return
	}
	data, err := metatile.ReadSlot(h, blob, metatile.Slot(req.Coords.X, req.Coords.Y))
	if err != nil || len(data) == 0 {
		f.clientPenaltyAndNotFound(w)
		f.stats.Record(layer.Name, req.Coords.Z, state, http.StatusNotFound)
		return
	}
	if len(data) > maxTileSize {
		data = data[:maxTileSize]
	}

	sum := md5.Sum(data)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`

	mime := layer.Mime
	if mime == "" {
		mime = "image/png"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("ETag", etag)

	var maxAge time.Duration
	if stale {
		maxAge = f.cfg.Cache.DirtyMaxAge()
	} else {
		maxAge = f.cfg.Cache.MaxAge(req.Coords.Z, now.Sub(stat.ModTime))
	}
	SetHeaders(w.Header(), maxAge, now)

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		f.stats.Record(layer.Name, req.Coords.Z, state, http.StatusNotModified)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)

	if f.cfg.Metrics != nil {
		f.cfg.Metrics.ObserveTileRequest(layer.Name, fmt.Sprint(req.Coords.Z), state.String(), time.Since(start), len(data))
	}
	f.stats.Record(layer.Name, req.Coords.Z, state, http.StatusOK)
}

func (f *Frontend) serveStatus(w http.ResponseWriter, state State, stat storage.StatResult) {
	writeText(w, http.StatusOK, fmt.Sprintf("state=%s exists=%t expired=%t mtime=%s size=%d",
		state, stat.Exists, stat.Expired, stat.ModTime.UTC().Format(time.RFC3339), stat.Size))
}

func (f *Frontend) serveDirty(ctx context.Context, w http.ResponseWriter, layer Layer, req request) {
	if !f.cfg.EnableDirtyURL {
		http.NotFound(w, nil)
		return
	}
	f.enqueueDirty(ctx, layer, req)
	writeText(w, http.StatusOK, "submitted")
}

// ForwardedForMode controls whether the client IP comes from the
// connection itself or from the X-Forwarded-For header a trusted
// reverse proxy sets.
type ForwardedForMode int

const (
	// ForwardedForOff ignores X-Forwarded-For entirely.
	ForwardedForOff ForwardedForMode = iota
	// ForwardedForFirst uses the first (origin-most) entry.
	ForwardedForFirst
	// ForwardedForLast uses the last entry, the one appended by the
	// nearest proxy.
	ForwardedForLast
)

// ParseForwardedForMode interprets the "off"/"first"/"last" config
// value, defaulting to off for anything unrecognized.
func ParseForwardedForMode(value string) ForwardedForMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "first":
		return ForwardedForFirst
	case "last":
		return ForwardedForLast
	default:
		return ForwardedForOff
	}
}

func (f *Frontend) clientIP(r *http.Request) net.IP {
	if f.cfg.ForwardedFor != ForwardedForOff {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			pick := parts[0]
			if f.cfg.ForwardedFor == ForwardedForLast {
				pick = parts[len(parts)-1]
			}
			if ip := net.ParseIP(strings.TrimSpace(pick)); ip != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
