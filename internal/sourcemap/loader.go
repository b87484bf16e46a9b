package sourcemap

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// xssiPrefix is prepended by some servers to JSON responses to defeat
// naive <script>-tag inclusion attacks; it must be stripped through the
// following newline before parsing.
const xssiPrefix = ")]}"

// Fetcher retrieves the raw bytes of a source map (or of an authored
// source's content) from http(s)://, file://, and data: URLs.
type Fetcher struct {
	// HTTPClient is used for http(s):// URLs. A zero value uses a
	// client with a bounded timeout so a hung map server cannot stall
	// script registration forever.
	HTTPClient *http.Client
}

// NewFetcher returns a Fetcher with sane defaults.
func NewFetcher() *Fetcher {
	return &Fetcher{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Fetch retrieves the raw bytes addressed by rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("sourcemap: invalid url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "data":
		return decodeDataURL(rawURL)
	case "file", "":
		return os.ReadFile(u.Path)
	case "http", "https":
		return f.fetchHTTP(ctx, rawURL)
	default:
		return nil, fmt.Errorf("sourcemap: unsupported url scheme %q", u.Scheme)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	client := f.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sourcemap: fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func decodeDataURL(rawURL string) ([]byte, error) {
	rest := strings.TrimPrefix(rawURL, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, fmt.Errorf("sourcemap: malformed data url")
	}
	meta, payload := rest[:comma], rest[comma+1:]
	if strings.Contains(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	decoded, err := url.QueryUnescape(payload)
	if err != nil {
		return nil, err
	}
	return []byte(decoded), nil
}

// StripXSSI removes a ")]}" XSSI guard, if present, through the next
// newline.
func StripXSSI(body []byte) []byte {
	if !strings.HasPrefix(string(body), xssiPrefix) {
		return body
	}
	if idx := strings.IndexByte(string(body), '\n'); idx >= 0 {
		return body[idx+1:]
	}
	return nil
}

// Load fetches and parses the map at mapURL.
func (f *Fetcher) Load(ctx context.Context, mapURL string) (*SourceMap, error) {
	body, err := f.Fetch(ctx, mapURL)
	if err != nil {
		return nil, err
	}
	body = StripXSSI(body)
	return Parse(mapURL, body)
}

// CachingLoader wraps a Fetcher with a bounded Cache, so a map that
// several scripts reference (a common bundler splitting pattern) is
// fetched and parsed only once while it stays in the Cache; a map evicted
// from the bounded Cache is fetched again on its next Load.
type CachingLoader struct {
	Fetcher *Fetcher
	Cache   *Cache
}

// NewCachingLoader builds a CachingLoader with a fresh Fetcher and a Cache
// of the given size (defaultCacheSize if size <= 0).
func NewCachingLoader(size int) (*CachingLoader, error) {
	cache, err := NewCache(size)
	if err != nil {
		return nil, err
	}
	return &CachingLoader{Fetcher: NewFetcher(), Cache: cache}, nil
}

// Load satisfies source.Loader, consulting the Cache before fetching.
func (l *CachingLoader) Load(ctx context.Context, mapURL string) (*SourceMap, error) {
	if m, ok := l.Cache.Get(mapURL); ok {
		return m, nil
	}
	m, err := l.Fetcher.Load(ctx, mapURL)
	if err != nil {
		return nil, err
	}
	l.Cache.Put(m)
	return m, nil
}
