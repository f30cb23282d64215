// ABOUTME: Avatar downloader for peer profile pictures
// ABOUTME: Downloads images from URLs into a content-addressed disk cache
package avatar

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// MaxImageBytes bounds a single download
const MaxImageBytes = 4 << 20

// ErrTooLarge is returned when an image exceeds MaxImageBytes
var ErrTooLarge = errors.New("image too large")

// Downloader fetches pictures into cacheDir
type Downloader struct {
	cacheDir string
	client   *http.Client
	log      zerolog.Logger
}

// NewDownloader creates a downloader caching under cacheDir. An empty
// cacheDir uses a directory in the system temp dir.
func NewDownloader(cacheDir string, log zerolog.Logger) (*Downloader, error) {
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "agora-avatars")
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &Downloader{
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: 15 * time.Second},
		log:      log.With().Str("module", "avatar").Logger(),
	}, nil
}

// Dir returns the cache directory
func (d *Downloader) Dir() string {
	return d.cacheDir
}

// Download fetches url and returns the cached file path
func (d *Downloader) Download(ctx context.Context, url string) (string, error) {
	if url == "" {
		return "", nil
	}

	// Create a cache key from URL hash
	hash := sha256.Sum256([]byte(url))
	cachePath := filepath.Join(d.cacheDir, fmt.Sprintf("%x%s", hash[:8], getExtension(url)))

	if _, err := os.Stat(cachePath); err == nil {
		d.log.Debug().Str("path", cachePath).Msg("Avatar cache hit")
		return cachePath, nil
	}

	d.log.Debug().Str("url", url).Msg("Downloading avatar")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download avatar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("avatar download failed: HTTP %d", resp.StatusCode)
	}

	// Write to a temp file first so a partial download is never cached
	tmp, err := os.CreateTemp(d.cacheDir, "dl-*")
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, MaxImageBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to save avatar: %w", err)
	}
	if n > MaxImageBytes {
		return "", ErrTooLarge
	}
	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		return "", fmt.Errorf("failed to store avatar: %w", err)
	}

	d.log.Debug().Str("path", cachePath).Msg("Avatar saved")
	return cachePath, nil
}

// getExtension extracts file extension from URL
func getExtension(url string) string {
	// Remove query string
	url = strings.Split(url, "?")[0]

	ext := filepath.Ext(url)
	if ext == "" || strings.Contains(ext, "/") {
		ext = ".img"
	}
	return ext
}

// Cleanup removes the cache directory
func (d *Downloader) Cleanup() error {
	return os.RemoveAll(d.cacheDir)
}
