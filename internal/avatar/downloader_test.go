// ABOUTME: Tests for avatar downloader
// ABOUTME: Tests HTTP download, caching, size limits and error handling
package avatar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDownloader(t *testing.T) *Downloader {
	t.Helper()
	dl, err := NewDownloader(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return dl
}

func TestDownloadSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake image data"))
	}))
	defer server.Close()

	dl := newTestDownloader(t)
	path, err := dl.Download(context.Background(), server.URL+"/alice.png")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".png"))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fake image data", string(content))
}

func TestDownloadCaching(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("fake image data"))
	}))
	defer server.Close()

	dl := newTestDownloader(t)
	path1, err := dl.Download(context.Background(), server.URL)
	require.NoError(t, err)
	path2, err := dl.Download(context.Background(), server.URL)
	require.NoError(t, err)

	assert.Equal(t, path1, path2)
	assert.Equal(t, int32(1), requests.Load())
}

func TestDownloadHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	dl := newTestDownloader(t)
	_, err := dl.Download(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	entries, _ := os.ReadDir(dl.Dir())
	assert.Empty(t, entries, "failed downloads leave nothing behind")
}

func TestDownloadTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, MaxImageBytes+10))
	}))
	defer server.Close()

	dl := newTestDownloader(t)
	_, err := dl.Download(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDownloadEmptyURL(t *testing.T) {
	dl := newTestDownloader(t)
	path, err := dl.Download(context.Background(), "")
	assert.NoError(t, err)
	assert.Empty(t, path)
}

func TestDownloadInvalidURL(t *testing.T) {
	dl := newTestDownloader(t)
	_, err := dl.Download(context.Background(), "not-a-valid-url")
	assert.Error(t, err)
}

func TestGetExtension(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{"http://example.com/image.jpg", ".jpg"},
		{"http://example.com/image.png", ".png"},
		{"http://example.com/image.webp", ".webp"},
		{"http://example.com/image.jpg?size=large", ".jpg"},
		{"http://example.com/image", ".img"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, getExtension(tt.url), tt.url)
	}
}

func TestCleanup(t *testing.T) {
	dl := newTestDownloader(t)
	require.NoError(t, dl.Cleanup())

	_, err := os.Stat(dl.Dir())
	assert.True(t, os.IsNotExist(err))
}
