// Package ics reads the target calendar's ICS subscriptions so that an event
// already present there is not created a second time.
package ics

import (
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

	"mailcal/internal/config"
	appLog "mailcal/internal/log"
)

// Feed is one ICS subscription.
type Feed struct {
	ID  string
	URL string
}

// FeedsFromConfig converts configured subscriptions, using the URL hash as
// id when none is given.
func FeedsFromConfig(cfgs []config.ICSConfig) []Feed {
	out := make([]Feed, 0, len(cfgs))
	for _, c := range cfgs {
		if c.URL == "" {
			continue
		}
		id := c.ID
		if id == "" {
			id = urlKey(c.URL)
		}
		out = append(out, Feed{ID: id, URL: c.URL})
	}
	return out
}

// Body is a fetched ICS document.
type Body struct {
	Feed   Feed
	Data   []byte
	Cached bool // served from disk after a 304 or a failed request
}

// cacheMeta is stored next to the cached body as meta.json.
type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	StoredAt     time.Time `json:"stored_at"`
}

// Fetcher downloads feeds with conditional requests and keeps the last good
// body on disk, so a flaky calendar server does not disable the guard.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		cacheDir: cacheDir,
	}
}

// Fetch returns the feed body. It falls back to the cached copy on network
// errors and non-200 answers when one exists.
func (f *Fetcher) Fetch(ctx context.Context, feed Feed) (Body, error) {
	if feed.URL == "" {
		return Body{}, errors.New("ics: feed URL is empty")
	}

	dir := filepath.Join(f.cacheDir, urlKey(feed.URL))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Body{}, err
	}
	meta := readMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	fallback := func(reason error) (Body, error) {
		if len(cached) == 0 {
			return Body{}, reason
		}
		appLog.Warn("ics: using cached feed", "feed", feed.ID, "url", redactURL(feed.URL), "reason", reason)
		return Body{Feed: feed, Data: cached, Cached: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return Body{}, err
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fallback(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fallback(err)
		}
		m := cacheMeta{
			URL:          feed.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := writeCache(dir, m, data); err != nil {
			appLog.Error("ics: cache write failed", err, "feed", feed.ID)
		}
		appLog.Debug("ics: feed fetched", "feed", feed.ID, "bytes", len(data))
		return Body{Feed: feed, Data: data}, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return Body{}, errors.New("ics: 304 Not Modified without a cached body")
		}
		return Body{Feed: feed, Data: cached, Cached: true}, nil

	default:
		return fallback(fmt.Errorf("ics: %s", resp.Status))
	}
}

func urlKey(u string) string {
	sum := sha256.Sum256([]byte(u))
	return hex.EncodeToString(sum[:8])
}

func readMeta(dir string) cacheMeta {
	var m cacheMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return m
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return cacheMeta{}
	}
	return m
}

// writeCache stores the body before the metadata, so the ETag never refers
// to a body that is not on disk.
func writeCache(dir string, m cacheMeta, body []byte) error {
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	m.StoredAt = time.Now().UTC()
	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o600)
}

// redactURL keeps only scheme and host; private feed URLs carry secrets in
// the path or query.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
