package ics

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	appLog "kiotbook/internal/log"
)

var (
	ErrEmptyURL    = errors.New("feed URL is empty")
	ErrEmptyFeed   = errors.New("feed body is empty")
	ErrNotCalendar = errors.New("feed body is not a calendar")
)

// StatusError reports a non-success HTTP status from a feed.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "feed returned " + e.Status
}

// maxFeedBytes bounds how much of a feed body is read.
const maxFeedBytes = 10 << 20

// cacheEntry holds HTTP cache metadata for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads iCal feeds with HTTP caching (ETag / Last-Modified) and
// an optional disk-backed copy of the last good body.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	relay    string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithRelay routes every request through a relay, e.g.
// "https://corsproxy.io/?". The feed URL is query-escaped and appended.
func WithRelay(relay string) Option {
	return func(f *Fetcher) { f.relay = relay }
}

// NewFetcher creates a Fetcher. An empty cacheDir disables the disk cache.
func NewFetcher(cacheDir string, opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		cacheDir: cacheDir,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the raw calendar text behind feedURL.
//
// A network error, a non-2xx status or a body that is not a calendar falls
// back to the last cached body when one exists; otherwise it is an error.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) ([]byte, error) {
	if feedURL == "" {
		return nil, ErrEmptyURL
	}

	cachePath := f.cachePathForURL(feedURL)
	var (
		meta       cacheEntry
		cachedBody []byte
	)
	if cachePath != "" {
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			appLog.Error("ics cache dir create failed", err, "url", redactURL(feedURL))
			cachePath = ""
		} else {
			meta, _ = loadCacheMeta(cachePath)
			cachedBody, _ = loadCacheBody(cachePath)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.requestURL(feedURL), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar, text/plain;q=0.9, */*;q=0.5")
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "url", redactURL(feedURL))

	resp, err := f.client.Do(req)
	if err != nil {
		return fallback(feedURL, cachedBody, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return nil, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("ics fetch not modified; using cache", "url", redactURL(feedURL))
		return cachedBody, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
		if err != nil {
			return fallback(feedURL, cachedBody, fmt.Errorf("read body: %w", err))
		}
		if err := checkCalendar(body); err != nil {
			return fallback(feedURL, cachedBody, err)
		}

		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          feedURL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				appLog.Error("ics cache save failed", err, "url", redactURL(feedURL))
			}
		}

		appLog.Debug("ics fetch success", "url", redactURL(feedURL), "status", resp.StatusCode, "bytes", len(body))
		return body, nil

	default:
		return fallback(feedURL, cachedBody, &StatusError{Code: resp.StatusCode, Status: resp.Status})
	}
}

func fallback(feedURL string, cachedBody []byte, cause error) ([]byte, error) {
	if len(cachedBody) > 0 {
		appLog.Error("ics fetch failed, using cached body", cause, "url", redactURL(feedURL))
		return cachedBody, nil
	}
	return nil, cause
}

func checkCalendar(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return ErrEmptyFeed
	}
	if !bytes.Contains(body, []byte("BEGIN:VCALENDAR")) {
		return ErrNotCalendar
	}
	return nil
}

func (f *Fetcher) requestURL(feedURL string) string {
	if f.relay == "" {
		return feedURL
	}
	return f.relay + url.QueryEscape(feedURL)
}

func (f *Fetcher) cachePathForURL(u string) string {
	if f.cacheDir == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(u))
	// First 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides the path and query of a feed URL; platform export links
// carry their access token there.
//
//	https://ical.booking.com/v1/export?t=abcd -> https://ical.booking.com/...(redacted)
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "ics://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + "/...(redacted)"
}
