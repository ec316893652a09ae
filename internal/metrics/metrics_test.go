package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
)

func TestObserveTileRequestExposedViaHandler(t *testing.T) {
	m := New(nil)
	m.ObserveTileRequest("default", "12", "current", 5*time.Millisecond, 1024)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rr, req)

	require.Equal(t, 200, rr.Code)
	require.Contains(t, rr.Body.String(), "tilerenderd_tile_requests_total")
	require.Contains(t, rr.Body.String(), `style="default"`)
}

func TestObserveRenderFailureIncrementsByKind(t *testing.T) {
	m := New(nil)
	err := renderror.New(renderror.KindRenderFailed, "test", renderror.New(renderror.KindRenderFailed, "inner", nil))
	m.ObserveRender("default", time.Second, err)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Contains(t, rr.Body.String(), "tilerenderd_render_failures_total")
}

func TestSetQueueDepth(t *testing.T) {
	m := New(nil)
	m.SetQueueDepth("normal", 7)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Contains(t, rr.Body.String(), "tilerenderd_queue_depth")
}
