// Package cache holds rendered artifacts that are expensive to rebuild:
// the merged guide document, per-user playlists and proxied channel logos.
package cache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Entry is a cached artifact plus the content type it should be served with.
type Entry struct {
	Data        []byte
	ContentType string
}

// Cache is a TTL-bounded store for rendered output. Entries are cost-weighted
// by size so one oversized guide cannot evict everything else unnoticed.
type Cache struct {
	cache    *ristretto.Cache[string, Entry]
	duration time.Duration
}

// New creates a cache whose entries expire after duration.
func New(duration time.Duration) *Cache {
	cache, err := ristretto.NewCache(&ristretto.Config[string, Entry]{
		NumCounters: 10_000,
		MaxCost:     256 << 20,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}

	return &Cache{
		cache:    cache,
		duration: duration,
	}
}

// GetGuide returns the merged gzipped guide document.
func (c *Cache) GetGuide() ([]byte, bool) {
	entry, found := c.cache.Get("guide:merged")
	if !found {
		return nil, false
	}
	return entry.Data, true
}

// SetGuide stores the merged gzipped guide document.
func (c *Cache) SetGuide(data []byte) {
	c.cache.SetWithTTL("guide:merged", Entry{Data: data}, int64(len(data)), c.duration)
}

// GetPlaylist returns the rendered playlist for one user.
func (c *Cache) GetPlaylist(user string) ([]byte, bool) {
	entry, found := c.cache.Get("playlist:" + user)
	if !found {
		return nil, false
	}
	return entry.Data, true
}

// SetPlaylist stores the rendered playlist for one user.
func (c *Cache) SetPlaylist(user string, data []byte) {
	c.cache.SetWithTTL("playlist:"+user, Entry{Data: data}, int64(len(data)), c.duration)
}

// GetIcon returns a proxied channel logo and its content type.
func (c *Cache) GetIcon(url string) (Entry, bool) {
	return c.cache.Get("icon:" + url)
}

// SetIcon stores a proxied channel logo.
func (c *Cache) SetIcon(url string, data []byte, contentType string) {
	entry := Entry{Data: data, ContentType: contentType}
	c.cache.SetWithTTL("icon:"+url, entry, int64(len(data)), c.duration)
}

// Invalidate drops every cached artifact. Called after a catalog refresh so
// clients never see playlists rendered from the previous catalog.
func (c *Cache) Invalidate() {
	c.cache.Clear()
}

// Wait blocks until pending writes are applied. Only tests need this.
func (c *Cache) Wait() {
	c.cache.Wait()
}

// Close releases the cache.
func (c *Cache) Close() {
	c.cache.Close()
}
