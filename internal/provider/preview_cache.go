package provider

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultPreviewCacheSize = 512
	defaultPreviewCacheTTL  = 10 * time.Minute
)

type previewEntry struct {
	preview  *Preview
	storedAt time.Time
}

// previewCache is a bounded LRU of previews whose entries expire after ttl.
type previewCache struct {
	cache *lru.Cache[string, previewEntry]
	ttl   time.Duration
	now   func() time.Time
}

func newPreviewCache(size int, ttl time.Duration) *previewCache {
	if size <= 0 {
		size = defaultPreviewCacheSize
	}
	if ttl <= 0 {
		ttl = defaultPreviewCacheTTL
	}
	// lru.New only fails on a non-positive size, guarded above.
	cache, _ := lru.New[string, previewEntry](size)
	return &previewCache{cache: cache, ttl: ttl, now: time.Now}
}

func (c *previewCache) get(key string) (*Preview, bool) {
	e, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.cache.Remove(key)
		return nil, false
	}
	return e.preview, true
}

func (c *previewCache) add(key string, p *Preview) {
	c.cache.Add(key, previewEntry{preview: p, storedAt: c.now()})
}

func (c *previewCache) size() int { return c.cache.Len() }
