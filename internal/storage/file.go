package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MeKo-Tech/tilerenderd/internal/metatile"
	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
)

// FileBackend is the default backend: metatiles live in a directory-hash
// tree under root. Writes go to a temp file in the same
// directory and are renamed into place, so a reader never observes a
// partially written metatile.
type FileBackend struct {
	root string
}

// NewFileBackend returns a Backend rooted at dir.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{root: dir}
}

func (b *FileBackend) ID() string { return "file:" + b.root }

func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) path(style, options string, x, y, z uint32) string {
	return metatile.Path(b.root, style, options, x, y, z)
}

func (b *FileBackend) expiredFlagPath(style, options string, x, y, z uint32) string {
	return b.path(style, options, x, y, z) + ".dirty"
}

func (b *FileBackend) Stat(_ context.Context, style, options string, x, y, z uint32) (StatResult, error) {
	info, err := os.Stat(b.path(style, options, x, y, z))
	if os.IsNotExist(err) {
		return StatResult{}, nil
	}
	if err != nil {
		return StatResult{}, renderror.New(renderror.KindTransientStorage, "storage.file.Stat", err)
	}

	expired := false
	if _, err := os.Stat(b.expiredFlagPath(style, options, x, y, z)); err == nil {
		expired = true
	}

	return StatResult{
		Exists:  true,
		Expired: expired,
		ModTime: info.ModTime(),
		Size:    info.Size(),
	}, nil
}

func (b *FileBackend) Read(_ context.Context, style, options string, x, y, z uint32) ([]byte, StatResult, error) {
	p := b.path(style, options, x, y, z)
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return nil, StatResult{}, nil
	}
	if err != nil {
		return nil, StatResult{}, renderror.New(renderror.KindTransientStorage, "storage.file.Read", err)
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, StatResult{}, renderror.New(renderror.KindTransientStorage, "storage.file.Read", err)
	}

	expired := false
	if _, err := os.Stat(b.expiredFlagPath(style, options, x, y, z)); err == nil {
		expired = true
	}

	return data, StatResult{Exists: true, Expired: expired, ModTime: info.ModTime(), Size: info.Size()}, nil
}

func (b *FileBackend) WriteMetatile(_ context.Context, style, options string, x, y, z uint32, data []byte) error {
	p := b.path(style, options, x, y, z)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.file.WriteMetatile", fmt.Errorf("mkdir %s: %w", dir, err))
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*.meta")
	if err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.file.WriteMetatile", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return renderror.New(renderror.KindTransientStorage, "storage.file.WriteMetatile", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return renderror.New(renderror.KindTransientStorage, "storage.file.WriteMetatile", err)
	}
	if err := tmp.Close(); err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.file.WriteMetatile", err)
	}

	if err := os.Rename(tmpName, p); err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.file.WriteMetatile", err)
	}

	os.Remove(b.expiredFlagPath(style, options, x, y, z))
	return nil
}

func (b *FileBackend) DeleteMetatile(_ context.Context, style, options string, x, y, z uint32) error {
	p := b.path(style, options, x, y, z)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return renderror.New(renderror.KindTransientStorage, "storage.file.DeleteMetatile", err)
	}
	os.Remove(b.expiredFlagPath(style, options, x, y, z))
	return nil
}

func (b *FileBackend) ExpireMetatile(_ context.Context, style, options string, x, y, z uint32) error {
	if _, err := os.Stat(b.path(style, options, x, y, z)); os.IsNotExist(err) {
		return nil // nothing to mark stale
	}
	flag := b.expiredFlagPath(style, options, x, y, z)
	f, err := os.OpenFile(flag, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.file.ExpireMetatile", err)
	}
	defer f.Close()
	_, err = f.WriteString(time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.file.ExpireMetatile", err)
	}
	return nil
}
