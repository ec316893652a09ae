package frontend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tilerenderd/internal/storage"
	"github.com/MeKo-Tech/tilerenderd/internal/wire"
)

type fakeClient struct {
	renderDone bool
	renderErr  error
	dirtyCalls int
	renderCmds []wire.Cmd
	onRender   func()
}

func (f *fakeClient) Render(ctx context.Context, style, options string, x, y, z uint32, cmd wire.Cmd, timeout time.Duration) (bool, error) {
	f.renderCmds = append(f.renderCmds, cmd)
	if f.onRender != nil {
		f.onRender()
	}
	return f.renderDone, f.renderErr
}

func (f *fakeClient) Dirty(ctx context.Context, style, options string, x, y, z uint32) error {
	f.dirtyCalls++
	return nil
}

func newTestFrontend(t *testing.T, client RenderClient) (*Frontend, storage.Backend) {
	t.Helper()
	backend := storage.NewFileBackend(t.TempDir())
	cfg := Config{
		Layers: []Layer{{
			Name:    "default",
			BaseURI: "/osm/",
			Backend: backend,
			MaxZoom: 18,
			Mime:    "image/png",
		}},
		RenderClient:            client,
		Cache:                   DefaultCacheConfig(),
		VeryOldThreshold:        time.Hour,
		RequestTimeout:          time.Second,
		RequestTimeoutPriority:  time.Second,
		EnableDirtyURL:          true,
		MaxLoadOld:              100,
		MaxLoadMissing:          100,
	}
	return New(cfg), backend
}

func TestServeTileMissingTriggersRenderPrio(t *testing.T) {
	client := &fakeClient{renderDone: true}
	fe, backend := newTestFrontend(t, client)

	// The tile is absent until the fake daemon "renders" it.
	blob := encodeSingleTileMetatile(t, 0, 0, 4)
	client.onRender = func() {
		require.NoError(t, backend.WriteMetatile(context.Background(), "default", "", 0, 0, 4, blob))
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/osm/4/0/0.png", nil)
	fe.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []wire.Cmd{wire.CmdRenderPrio}, client.renderCmds)
}

func TestServeTileMissingRenderFailsReturns404(t *testing.T) {
	client := &fakeClient{renderDone: false}
	fe, _ := newTestFrontend(t, client)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/osm/4/0/0.png", nil)
	fe.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServeTileOutOfRangeZoomReturns404(t *testing.T) {
	fe, _ := newTestFrontend(t, &fakeClient{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/osm/99/0/0.png", nil)
	fe.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServeTileUnknownLayerReturns404(t *testing.T) {
	fe, _ := newTestFrontend(t, &fakeClient{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nope/4/0/0.png", nil)
	fe.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusEndpointReportsState(t *testing.T) {
	client := &fakeClient{}
	fe, _ := newTestFrontend(t, client)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/osm/4/0/0.png/status", nil)
	fe.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "state=missing")
}

func TestDirtyEndpointEnqueuesAndReplies200(t *testing.T) {
	client := &fakeClient{}
	fe, _ := newTestFrontend(t, client)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/osm/4/0/0.png/dirty", nil)
	fe.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "submitted", rr.Body.String())
	require.Equal(t, 1, client.dirtyCalls)
}

func TestTileJSONEndpoint(t *testing.T) {
	fe, _ := newTestFrontend(t, &fakeClient{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/osm/tile-layer.json", nil)
	fe.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"tilejson":"2.0.0"`)
}

func TestETagStableAndConditionalRequestReturns304(t *testing.T) {
	client := &fakeClient{}
	fe, backend := newTestFrontend(t, client)

	blob := encodeSingleTileMetatile(t, 0, 0, 4)
	require.NoError(t, backend.WriteMetatile(context.Background(), "default", "", 0, 0, 4, blob))

	first := httptest.NewRecorder()
	fe.Handler().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/osm/4/0/0.png", nil))
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	second := httptest.NewRecorder()
	fe.Handler().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/osm/4/0/0.png", nil))
	require.Equal(t, etag, second.Header().Get("ETag"), "same bytes must yield the same ETag")

	conditional := httptest.NewRequest(http.MethodGet, "/osm/4/0/0.png", nil)
	conditional.Header.Set("If-None-Match", etag)
	third := httptest.NewRecorder()
	fe.Handler().ServeHTTP(third, conditional)
	require.Equal(t, http.StatusNotModified, third.Code)
	require.Empty(t, third.Body.Bytes())
}

func TestClientIPHonorsForwardedForMode(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/osm/4/0/0.png", nil)
	req.RemoteAddr = "203.0.113.9:4711"
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 192.0.2.2")

	cases := []struct {
		mode ForwardedForMode
		want string
	}{
		{ForwardedForOff, "203.0.113.9"},
		{ForwardedForFirst, "198.51.100.1"},
		{ForwardedForLast, "192.0.2.2"},
	}
	for _, c := range cases {
		fe := New(Config{ForwardedFor: c.mode})
		require.Equal(t, c.want, fe.clientIP(req).String(), "mode %d", c.mode)
	}
}

func TestParseForwardedForMode(t *testing.T) {
	require.Equal(t, ForwardedForOff, ParseForwardedForMode("off"))
	require.Equal(t, ForwardedForFirst, ParseForwardedForMode("first"))
	require.Equal(t, ForwardedForLast, ParseForwardedForMode("Last"))
	require.Equal(t, ForwardedForOff, ParseForwardedForMode("bogus"))
}

func TestServeTileWrongExtensionReturns404(t *testing.T) {
	client := &fakeClient{renderDone: true}
	backend := storage.NewFileBackend(t.TempDir())
	fe := New(Config{
		Layers: []Layer{{
			Name:    "default",
			BaseURI: "/osm/",
			Backend: backend,
			MaxZoom: 18,
			Ext:     "png",
		}},
		RenderClient: client,
		Cache:        DefaultCacheConfig(),
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/osm/4/0/0.jpg", nil)
	fe.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCurrentTileServesFromStorageWithoutDaemonContact(t *testing.T) {
	client := &fakeClient{renderDone: false} // would 404 if ever contacted
	fe, backend := newTestFrontend(t, client)

	blob := encodeSingleTileMetatile(t, 0, 0, 4)
	require.NoError(t, backend.WriteMetatile(context.Background(), "default", "", 0, 0, 4, blob))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/osm/4/0/0.png", nil)
	fe.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotEmpty(t, rr.Header().Get("ETag"))
	require.Contains(t, rr.Header().Get("Cache-Control"), "max-age=")
}
