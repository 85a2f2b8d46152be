package loader

import (
	"context"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/jellydator/ttlcache/v3"
)

// Cache adapts a ttlcache store to dataloader.Cache. With a zero TTL entries
// live as long as the cache, which is the lifetime of one request scope.
type Cache[K comparable, V any] struct {
	items *ttlcache.Cache[K, dataloader.Thunk[V]]
	ttl   time.Duration
}

var _ dataloader.Cache[string, int] = (*Cache[string, int])(nil)

// NewCache returns an empty cache. A ttl of zero disables expiry.
func NewCache[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	return &Cache[K, V]{
		items: ttlcache.New[K, dataloader.Thunk[V]](
			ttlcache.WithDisableTouchOnHit[K, dataloader.Thunk[V]](),
		),
		ttl: ttl,
	}
}

func (c *Cache[K, V]) Get(_ context.Context, key K) (dataloader.Thunk[V], bool) {
	item := c.items.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (c *Cache[K, V]) Set(_ context.Context, key K, value dataloader.Thunk[V]) {
	c.items.Set(key, value, c.ttl)
}

func (c *Cache[K, V]) Delete(_ context.Context, key K) bool {
	if !c.items.Has(key) {
		return false
	}
	c.items.Delete(key)
	return true
}

func (c *Cache[K, V]) Clear() { c.items.DeleteAll() }

// Len reports the number of cached keys.
func (c *Cache[K, V]) Len() int { return c.items.Len() }
