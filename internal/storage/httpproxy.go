package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MeKo-Tech/tilerenderd/internal/metatile"
	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
)

// HTTPClient lets tests swap in a fake transport, the same seam the
// pmtiles HTTP bucket uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPProxyBackend fetches metatiles from an upstream renderd/tileserver
// over HTTP and is read-only: WriteMetatile/DeleteMetatile/ExpireMetatile
// always fail, since the proxy has no authority over the origin's
// storage. It caches the single most recently fetched tile — including
// a 404's "missing" answer — so a Stat immediately followed by a Read
// for the same tile costs one upstream GET, not two.
type HTTPProxyBackend struct {
	baseURL string
	client  HTTPClient

	mu        sync.Mutex
	cacheKey  string
	cacheVal  []byte
	cacheMod  time.Time
	cacheMiss bool // cached answer is "upstream returned 404"
}

// NewHTTPProxyBackend builds a backend against baseURL, e.g.
// "https://tiles.example.com".
func NewHTTPProxyBackend(baseURL string) *HTTPProxyBackend {
	return &HTTPProxyBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
	}
}

func (b *HTTPProxyBackend) ID() string { return "httpproxy:" + b.baseURL }

func (b *HTTPProxyBackend) Close() error { return nil }

// url builds the single-tile request, matching the ro_http_proxy store's
// "http://%s/%i/%i/%i.png" key (z/x/y, no style segment): the base URL
// already names one upstream per style, same as every other backend
// kind being one instance per map layer.
func (b *HTTPProxyBackend) url(x, y, z uint32) string {
	return fmt.Sprintf("%s/%d/%d/%d.png", b.baseURL, z, x, y)
}

// fetch retrieves the single raw tile at (x, y, z). The caller wraps it
// into a metatile shape; fetch itself only knows about one PNG.
func (b *HTTPProxyBackend) fetch(ctx context.Context, style, options string, x, y, z uint32) ([]byte, StatResult, error) {
	key := fmt.Sprintf("%s/%s/%d/%d/%d", style, options, z, x, y)

	b.mu.Lock()
	if b.cacheKey == key {
		data, mod, miss := b.cacheVal, b.cacheMod, b.cacheMiss
		b.mu.Unlock()
		if miss {
			return nil, StatResult{Size: -1}, nil
		}
		return data, StatResult{Exists: true, ModTime: mod, Size: int64(len(data))}, nil
	}
	b.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url(x, y, z), nil)
	if err != nil {
		return nil, StatResult{}, renderror.New(renderror.KindTransientStorage, "storage.httpproxy.fetch", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, StatResult{}, renderror.New(renderror.KindTransientStorage, "storage.httpproxy.fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		b.mu.Lock()
		b.cacheKey, b.cacheVal, b.cacheMod, b.cacheMiss = key, nil, time.Time{}, true
		b.mu.Unlock()
		return nil, StatResult{Size: -1}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, StatResult{}, renderror.New(renderror.KindTransientStorage, "storage.httpproxy.fetch",
			fmt.Errorf("upstream returned %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, StatResult{}, renderror.New(renderror.KindTransientStorage, "storage.httpproxy.fetch", err)
	}

	modTime := time.Now()
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			modTime = t
		}
	}
	expired := false
	if exp := resp.Header.Get("X-Tile-Expired"); exp != "" {
		if v, err := strconv.ParseBool(exp); err == nil {
			expired = v
		}
	}

	b.mu.Lock()
	b.cacheKey, b.cacheVal, b.cacheMod, b.cacheMiss = key, data, modTime, false
	b.mu.Unlock()

	return data, StatResult{Exists: true, Expired: expired, ModTime: modTime, Size: int64(len(data))}, nil
}

// Read fetches the single upstream tile and wraps it as the one
// occupied slot of a synthetic metatile, so callers above this layer
// can decode/slot-extract it the same way as every other backend.
func (b *HTTPProxyBackend) Read(ctx context.Context, style, options string, x, y, z uint32) ([]byte, StatResult, error) {
	tile, stat, err := b.fetch(ctx, style, options, x, y, z)
	if err != nil || !stat.Exists {
		return nil, stat, err
	}

	xa, ya := metatile.Align(x, y)
	mt := metatile.Metatile{X: xa, Y: ya, Z: z}
	mt.Tiles[metatile.Slot(x, y)] = tile

	out, err := metatile.Encode(mt)
	if err != nil {
		return nil, StatResult{}, renderror.New(renderror.KindRenderFailed, "storage.httpproxy.Read", err)
	}
	stat.Size = int64(len(out))
	return out, stat, nil
}

func (b *HTTPProxyBackend) Stat(ctx context.Context, style, options string, x, y, z uint32) (StatResult, error) {
	_, stat, err := b.fetch(ctx, style, options, x, y, z)
	return stat, err
}

func (b *HTTPProxyBackend) WriteMetatile(context.Context, string, string, uint32, uint32, uint32, []byte) error {
	return renderror.New(renderror.KindConfig, "storage.httpproxy.WriteMetatile", fmt.Errorf("read-only backend"))
}

func (b *HTTPProxyBackend) DeleteMetatile(context.Context, string, string, uint32, uint32, uint32) error {
	return renderror.New(renderror.KindConfig, "storage.httpproxy.DeleteMetatile", fmt.Errorf("read-only backend"))
}

func (b *HTTPProxyBackend) ExpireMetatile(context.Context, string, string, uint32, uint32, uint32) error {
	return renderror.New(renderror.KindConfig, "storage.httpproxy.ExpireMetatile", fmt.Errorf("read-only backend"))
}
