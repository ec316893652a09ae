package storage

import "context"

// NullBackend never stores anything; every read misses and every write
// succeeds silently. It backs the null:// URI, a "render only, do not
// persist" target.
type NullBackend struct{}

// NewNullBackend returns a backend that discards all writes.
func NewNullBackend() *NullBackend { return &NullBackend{} }

func (NullBackend) ID() string   { return "null:" }
func (NullBackend) Close() error { return nil }

func (NullBackend) Stat(context.Context, string, string, uint32, uint32, uint32) (StatResult, error) {
	return StatResult{}, nil
}

func (NullBackend) Read(context.Context, string, string, uint32, uint32, uint32) ([]byte, StatResult, error) {
	return nil, StatResult{}, nil
}

func (NullBackend) WriteMetatile(context.Context, string, string, uint32, uint32, uint32, []byte) error {
	return nil
}

func (NullBackend) DeleteMetatile(context.Context, string, string, uint32, uint32, uint32) error {
	return nil
}

func (NullBackend) ExpireMetatile(context.Context, string, string, uint32, uint32, uint32) error {
	return nil
}
