package renderror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfUnwraps(t *testing.T) {
	base := errors.New("disk full")
	wrapped := fmt.Errorf("writing metatile: %w", New(KindTransientStorage, "storage.file.Write", base))

	require.Equal(t, KindTransientStorage, KindOf(wrapped))
	require.True(t, Is(wrapped, KindTransientStorage))
	require.False(t, Is(wrapped, KindRenderFailed))
}

func TestKindOfPlainError(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestErrorMessage(t *testing.T) {
	err := New(KindMalformed, "wire.Decode", errors.New("short read"))
	require.Equal(t, "wire.Decode: malformed: short read", err.Error())

	bare := New(KindQueueFull, "queue.Push", nil)
	require.Equal(t, "queue.Push: queue_full", bare.Error())
}
