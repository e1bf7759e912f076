package discovery

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// ValidationKey returns the normalised cache key for a (metric, url) pair.
// Scheme, a leading "www.", fragments, host case and trailing slashes do not
// change the key.
func ValidationKey(metric, rawURL string) string {
	return strings.ToLower(strings.Join(strings.Fields(metric), " ")) + "|" + normalizeURL(rawURL)
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.TrimRight(u.EscapedPath(), "/")
	key := host + path
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

type cacheEntry struct {
	value   domain.ValidationResult
	expires time.Time
}

// MemoryCache is an in-process domain.ValidationCache. A zero ttl keeps
// entries for the life of the cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// GetValidation returns the cached result for key.
func (c *MemoryCache) GetValidation(_ context.Context, key string) (domain.ValidationResult, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return domain.ValidationResult{}, false, nil
	}
	if !e.expires.IsZero() && c.now().After(e.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return domain.ValidationResult{}, false, nil
	}
	return e.value, true, nil
}

// SetValidation stores v under key.
func (c *MemoryCache) SetValidation(_ context.Context, key string, v domain.ValidationResult) error {
	e := cacheEntry{value: v}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Compile-time interface check.
var _ domain.ValidationCache = (*MemoryCache)(nil)
