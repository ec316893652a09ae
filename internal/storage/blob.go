package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	"gocloud.dev/gcerrors"

	"github.com/MeKo-Tech/tilerenderd/internal/metatile"
	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
)

// expiredBlobSuffix marks a metatile dirty by writing a zero-byte sibling
// object next to it, since gocloud's Bucket interface exposes no portable
// way to set custom object metadata across every provider it supports.
const expiredBlobSuffix = ".expired"

// BlobBackend stores metatiles in any gocloud.dev-supported bucket (GCS,
// Azure Blob, etc) that isn't already covered by the native S3Backend.
// It exists for operators who already depend on gocloud's portable bucket
// URL scheme elsewhere in their infrastructure.
type BlobBackend struct {
	bucket *blob.Bucket
	prefix string
}

// NewBlobBackend opens a "gs://bucket/prefix" or "azblob://bucket/prefix"
// URI through gocloud.dev/blob.
func NewBlobBackend(ctx context.Context, rawURL string) (*BlobBackend, error) {
	bucket, err := blob.OpenBucket(ctx, rawURL)
	if err != nil {
		return nil, renderror.New(renderror.KindConfig, "storage.blob.New", fmt.Errorf("opening bucket %q: %w", rawURL, err))
	}
	return &BlobBackend{bucket: bucket, prefix: rawURL}, nil
}

func (b *BlobBackend) ID() string { return "blob:" + b.prefix }

func (b *BlobBackend) Close() error { return b.bucket.Close() }

func (b *BlobBackend) key(style, options string, x, y, z uint32) string {
	return strings.TrimPrefix(metatile.Path("", style, options, x, y, z), "/")
}

func (b *BlobBackend) Stat(ctx context.Context, style, options string, x, y, z uint32) (StatResult, error) {
	key := b.key(style, options, x, y, z)
	attrs, err := b.bucket.Attributes(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return StatResult{}, nil
	}
	if err != nil {
		return StatResult{}, renderror.New(renderror.KindTransientStorage, "storage.blob.Stat", err)
	}

	expired, _ := b.bucket.Exists(ctx, key+expiredBlobSuffix)
	return StatResult{Exists: true, Expired: expired, ModTime: attrs.ModTime, Size: attrs.Size}, nil
}

func (b *BlobBackend) Read(ctx context.Context, style, options string, x, y, z uint32) ([]byte, StatResult, error) {
	key := b.key(style, options, x, y, z)
	r, err := b.bucket.NewReader(ctx, key, nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, StatResult{}, nil
	}
	if err != nil {
		return nil, StatResult{}, renderror.New(renderror.KindTransientStorage, "storage.blob.Read", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, StatResult{}, renderror.New(renderror.KindTransientStorage, "storage.blob.Read", err)
	}

	expired, _ := b.bucket.Exists(ctx, key+expiredBlobSuffix)
	return data, StatResult{Exists: true, Expired: expired, ModTime: r.ModTime(), Size: int64(len(data))}, nil
}

func (b *BlobBackend) WriteMetatile(ctx context.Context, style, options string, x, y, z uint32, data []byte) error {
	key := b.key(style, options, x, y, z)
	w, err := b.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.blob.WriteMetatile", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return renderror.New(renderror.KindTransientStorage, "storage.blob.WriteMetatile", err)
	}
	if err := w.Close(); err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.blob.WriteMetatile", err)
	}
	_ = b.bucket.Delete(ctx, key+expiredBlobSuffix)
	return nil
}

func (b *BlobBackend) DeleteMetatile(ctx context.Context, style, options string, x, y, z uint32) error {
	key := b.key(style, options, x, y, z)
	if err := b.bucket.Delete(ctx, key); err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.blob.DeleteMetatile", err)
	}
	_ = b.bucket.Delete(ctx, key+expiredBlobSuffix)
	return nil
}

func (b *BlobBackend) ExpireMetatile(ctx context.Context, style, options string, x, y, z uint32) error {
	key := b.key(style, options, x, y, z) + expiredBlobSuffix
	w, err := b.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.blob.ExpireMetatile", err)
	}
	if err := w.Close(); err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.blob.ExpireMetatile", err)
	}
	return nil
}
