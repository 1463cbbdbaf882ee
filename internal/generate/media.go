package generate

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/mwahaha/internal/fsutil"
	"github.com/kalambet/mwahaha/internal/llm"
)

// ErrMissingMedia is returned when a media reference is neither a readable
// local file nor an http(s) URL.
var ErrMissingMedia = errors.New("media unavailable")

// IsRemote reports whether ref is an http(s) URL.
func IsRemote(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ResolveMedia turns a media reference into an attachment. Local files are
// read so they can be embedded; remote URLs are passed by reference.
func ResolveMedia(ref string) (*llm.Media, error) {
	ref = strings.TrimSpace(ref)
	if IsRemote(ref) {
		return &llm.Media{URL: ref, MIMEType: llm.MIMEType(ref)}, nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not found", ErrMissingMedia, ref)
		}
		return nil, fmt.Errorf("%w: %v", ErrMissingMedia, err)
	}
	return &llm.Media{Data: data, MIMEType: llm.MIMEType(ref)}, nil
}

const maxCachedMedia = 20 << 20

// MediaCache keeps local copies of remote media, keyed by the MD5 of the
// URL, so interactive sessions do not download the same GIF repeatedly.
type MediaCache struct {
	dir        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewMediaCache creates a cache rooted at dir.
func NewMediaCache(dir string) *MediaCache {
	return &MediaCache{
		dir:        dir,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
}

// Path returns where url is cached. The extension follows the URL and
// defaults to .gif.
func (c *MediaCache) Path(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	ext := ".gif"
	if u, err := url.Parse(rawURL); err == nil {
		if e := path.Ext(u.Path); e != "" {
			ext = strings.ToLower(e)
		}
	}
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+ext)
}

// Localize returns a local path for ref. Remote references are downloaded
// on first use. If the download fails the original reference is returned
// so generation can still pass the URL through.
func (c *MediaCache) Localize(ctx context.Context, ref string) string {
	if !IsRemote(ref) {
		return ref
	}
	p := c.Path(ref)
	if _, err := os.Stat(p); err == nil {
		return p
	}
	if err := c.download(ctx, ref, p); err != nil {
		c.logger.Warn("media download failed, using url", "url", ref, "error", err)
		return ref
	}
	return p
}

func (c *MediaCache) download(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedMedia))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	return fsutil.WriteFile(dest, data, 0o644)
}
