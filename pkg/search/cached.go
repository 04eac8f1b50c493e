package search

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/probelab/deepresearch/pkg/domain"
	"github.com/probelab/deepresearch/pkg/observability"
)

// CachedClient wraps a search client with an in-memory TTL cache.
// The think stage tends to emit overlapping queries across topics, and
// a dead-end remediation pass reissues reformulated queries that often
// collide with earlier ones. Caching keeps those repeats off the
// provider.
type CachedClient struct {
	inner   domain.SearchClient
	cache   *gocache.Cache
	metrics *observability.Metrics
}

// NewCachedClient creates a caching wrapper around a search client.
// This is the layer that knows whether a query was a cache hit, so the
// search metrics live here; a nil metrics disables them.
func NewCachedClient(inner domain.SearchClient, ttl, cleanupInterval time.Duration, metrics *observability.Metrics) *CachedClient {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}

	return &CachedClient{
		inner:   inner,
		cache:   gocache.New(ttl, cleanupInterval),
		metrics: metrics,
	}
}

// Search returns cached results when available, otherwise delegates
// to the inner client. Errors are never cached.
func (c *CachedClient) Search(ctx context.Context, query string, opts domain.SearchOptions) ([]domain.SearchResult, error) {
	key := cacheKey(query, opts)
	start := time.Now()

	if cached, found := c.cache.Get(key); found {
		results := cached.([]domain.SearchResult)
		if c.metrics != nil {
			c.metrics.RecordSearch(ctx, time.Since(start), len(results), true)
		}
		return results, nil
	}

	results, err := c.inner.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordSearch(ctx, time.Since(start), len(results), false)
	}

	c.cache.Set(key, results, gocache.DefaultExpiration)
	return results, nil
}
