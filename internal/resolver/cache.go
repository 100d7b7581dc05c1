package resolver

import (
	"context"
	"time"

	"github.com/bluele/gcache"
)

// Cached wraps a resolver with an LRU+TTL cache. Resolution failures are not
// cached.
type Cached struct {
	inner Resolver
	cache gcache.Cache
}

func NewCached(inner Resolver, size int, ttl time.Duration) *Cached {
	return &Cached{
		inner: inner,
		cache: gcache.New(size).LRU().Expiration(ttl).Build(),
	}
}

func (c *Cached) Resolve(ctx context.Context, did string) (*Document, error) {
	if v, err := c.cache.Get(did); err == nil {
		return v.(*Document), nil
	}

	doc, err := c.inner.Resolve(ctx, did)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(did, doc)
	return doc, nil
}
