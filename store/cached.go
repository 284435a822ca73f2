package store

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedStore serves policy reads from an in-memory LRU and falls back to
// the wrapped store. Writes go to the store first, then to the cache.
type CachedStore struct {
	Store
	cache *expirable.LRU[string, PolicyEntry]
}

// NewCachedStore wraps s with a cache of size entries that expire after ttl
// (zero disables expiry).
func NewCachedStore(s Store, size int, ttl time.Duration) *CachedStore {
	if size <= 0 {
		size = 256
	}
	return &CachedStore{
		Store: s,
		cache: expirable.NewLRU[string, PolicyEntry](size, nil, ttl),
	}
}

func (c *CachedStore) GetPolicy(ctx context.Context, url string) (*PolicyEntry, error) {
	if entry, ok := c.cache.Get(url); ok {
		return &entry, nil
	}
	entry, err := c.Store.GetPolicy(ctx, url)
	if err != nil {
		return nil, err
	}
	c.cache.Add(url, *entry)
	return entry, nil
}

func (c *CachedStore) PutPolicy(ctx context.Context, entry PolicyEntry) error {
	if entry.LastChecked.IsZero() {
		entry.LastChecked = time.Now()
	}
	if err := c.Store.PutPolicy(ctx, entry); err != nil {
		c.cache.Remove(entry.URL)
		return err
	}
	c.cache.Add(entry.URL, entry)
	return nil
}

func (c *CachedStore) DeletePolicy(ctx context.Context, url string) error {
	c.cache.Remove(url)
	return c.Store.DeletePolicy(ctx, url)
}

func (c *CachedStore) CleanupOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := c.Store.CleanupOlderThan(ctx, olderThan)
	if n > 0 {
		c.cache.Purge()
	}
	return n, err
}

// Len reports how many entries are cached.
func (c *CachedStore) Len() int {
	return c.cache.Len()
}
