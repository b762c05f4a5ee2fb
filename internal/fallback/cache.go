package fallback

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/whatworked/distengine/internal/types"
)

// ResponseCache memoizes validated provider estimates for the life of the
// process. It is bounded in entries and optionally expires them. A nil
// cache stores nothing.
type ResponseCache struct {
	cache *ristretto.Cache[string, *types.Distribution]
	ttl   time.Duration
}

// NewResponseCache creates a cache holding up to maxEntries estimates. A
// zero ttl keeps entries until evicted.
func NewResponseCache(maxEntries int64, ttl time.Duration) (*ResponseCache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("cache size must be positive (got %d)", maxEntries)
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *types.Distribution]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating response cache: %w", err)
	}
	return &ResponseCache{cache: cache, ttl: ttl}, nil
}

// Get returns a copy of the cached estimate
func (c *ResponseCache) Get(key string) (*types.Distribution, bool) {
	if c == nil {
		return nil, false
	}
	d, ok := c.cache.Get(key)
	if !ok || d == nil {
		return nil, false
	}
	return d.Clone(), true
}

// Set stores a copy of an estimate. It waits for the write to land so a
// following Get sees it.
func (c *ResponseCache) Set(key string, d *types.Distribution) {
	if c == nil || d == nil {
		return
	}
	c.cache.SetWithTTL(key, d.Clone(), 1, c.ttl)
	c.cache.Wait()
}

// Close releases the cache's background goroutines
func (c *ResponseCache) Close() {
	if c == nil {
		return
	}
	c.cache.Close()
}

// cacheKey identifies a request by category, field and the candidate set
// in sorted order. The solution title is not part of the key: one estimate
// serves every solution of the category, and the prompt asks for a
// category-wide answer.
func cacheKey(category, field string, candidates []string) string {
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	return category + "\x1f" + field + "\x1f" + strings.Join(sorted, "\x1e")
}
