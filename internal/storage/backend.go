// Package storage implements the pluggable metatile storage backends:
// a local directory-hashed filesystem tree, an S3 or cloud blob object
// store, a read-through HTTP proxy, a read-only two-layer composite, an
// MBTiles SQLite archive, and a null sink. Every backend
// speaks in whole metatiles; per-tile extraction happens above this
// layer using internal/metatile.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
)

// StatResult describes a metatile's presence and freshness without
// reading its payload, used by the frontend's tile-state classification
// and by render_old/render_expired to decide what to skip.
type StatResult struct {
	Exists  bool
	Expired bool
	ModTime time.Time
	Size    int64
}

// Backend is implemented by every metatile storage engine. Callers pass
// the coordinate of any tile inside the metatile; metatile-keyed
// backends resolve it to its block through metatile.Path or
// metatile.Align, and the HTTP proxy fetches exactly that tile.
type Backend interface {
	// Read returns the full encoded metatile for (style, options, x, y, z).
	Read(ctx context.Context, style, options string, x, y, z uint32) ([]byte, StatResult, error)

	// Stat reports presence/freshness without reading the payload.
	Stat(ctx context.Context, style, options string, x, y, z uint32) (StatResult, error)

	// WriteMetatile stores a freshly rendered metatile, replacing any
	// prior version and clearing its expired flag.
	WriteMetatile(ctx context.Context, style, options string, x, y, z uint32, data []byte) error

	// DeleteMetatile removes a metatile entirely.
	DeleteMetatile(ctx context.Context, style, options string, x, y, z uint32) error

	// ExpireMetatile marks a metatile dirty without deleting it, so the
	// frontend can keep serving the stale copy while a render is queued.
	ExpireMetatile(ctx context.Context, style, options string, x, y, z uint32) error

	// ID identifies the backend instance in logs and metrics, e.g.
	// "file:/var/lib/tiles" or "s3:tiles-bucket".
	ID() string

	Close() error
}

// Config carries the per-style backend configuration produced by
// parsing a renderd INI [<map-name>] section or a tileserver flag.
type Config struct {
	// URI selects the backend and its location per the grammar:
	//   file://<path>  |  <path>
	//   s3://<bucket>[/<prefix>][?endpoint=<url>]  (credentials come from
	//     the environment; a <keyid>:<secret>@ part in the URI is not read)
	//   ro_http_proxy://<base-url>
	//   composite:{<uri>}{<uri>}
	//   mbtiles://<path>  |  gs://...  |  azblob://...  |  null://
	URI string
}

// New dispatches on the URI scheme and constructs the matching backend.
// It is the single entry point cmd/renderd and cmd/tileserver use to
// turn a config-file string into a live Backend. composite:{}{} is
// parsed ahead of url.Parse since its brace-delimited sub-URIs aren't
// valid URL syntax on their own.
func New(cfg Config) (Backend, error) {
	if strings.HasPrefix(cfg.URI, "composite:") {
		return newCompositeFromURI(cfg.URI)
	}
	if strings.HasPrefix(cfg.URI, "ro_http_proxy://") {
		return NewHTTPProxyBackend(httpProxyBaseURL(cfg.URI)), nil
	}

	u, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, renderror.New(renderror.KindConfig, "storage.New", fmt.Errorf("invalid backend URI %q: %w", cfg.URI, err))
	}

	switch u.Scheme {
	case "file", "":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		return NewFileBackend(path), nil
	case "s3":
		return NewS3Backend(u)
	case "mbtiles":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		return NewMBTilesBackend(path)
	case "gs", "azblob":
		return NewBlobBackend(context.Background(), cfg.URI)
	case "null":
		return NewNullBackend(), nil
	default:
		return nil, renderror.New(renderror.KindConfig, "storage.New", fmt.Errorf("unknown backend scheme %q", u.Scheme))
	}
}

// httpProxyBaseURL strips the ro_http_proxy:// prefix and supplies an
// http:// scheme when the remainder doesn't already name one, matching
// the grammar's "<base-url>" being a bare host/path by default.
func httpProxyBaseURL(raw string) string {
	rest := strings.TrimPrefix(raw, "ro_http_proxy://")
	if strings.Contains(rest, "://") {
		return rest
	}
	return "http://" + rest
}
