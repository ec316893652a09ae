package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDispatchesByScheme(t *testing.T) {
	dir := t.TempDir()

	fileBackend, err := New(Config{URI: "file://" + dir})
	require.NoError(t, err)
	require.Contains(t, fileBackend.ID(), "file:")

	nullBackend, err := New(Config{URI: "null://"})
	require.NoError(t, err)
	require.Equal(t, "null:", nullBackend.ID())

	httpBackend, err := New(Config{URI: "ro_http_proxy://tiles.example.com"})
	require.NoError(t, err)
	require.Contains(t, httpBackend.ID(), "httpproxy:")
	require.Contains(t, httpBackend.ID(), "http://tiles.example.com")

	httpsBackend, err := New(Config{URI: "ro_http_proxy://https://tiles.example.com"})
	require.NoError(t, err)
	require.Contains(t, httpsBackend.ID(), "https://tiles.example.com")

	_, err = New(Config{URI: "bogus://thing"})
	require.Error(t, err)
}
