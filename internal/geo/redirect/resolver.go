package redirect

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
)

// CachingResolver is a Resolver remembering resolved resources. Paths and
// OIDs don't change their replicable, so only misses reach the primary.
// Unknown resources are not cached.
type CachingResolver struct {
	next        Resolver
	cache       *lru.Cache
	accessTotal *prometheus.CounterVec
}

type cacheKey struct {
	kind string
	name string
}

// NewCachingResolver returns a Resolver caching up to size lookups of next.
func NewCachingResolver(next Resolver, size int) (*CachingResolver, error) {
	c := &CachingResolver{
		next: next,
		accessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitlab_geo_resolver_cache_access_total",
			Help: "Total number of redirect resolver cache accesses by resource kind and result.",
		}, []string{"kind", "type"}),
	}

	cache, err := lru.NewWithEvict(size, func(key interface{}, _ interface{}) {
		c.accessTotal.WithLabelValues(key.(cacheKey).kind, "evict").Inc()
	})
	if err != nil {
		return nil, err
	}
	c.cache = cache

	return c, nil
}

func (c *CachingResolver) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, descs)
}

func (c *CachingResolver) Collect(collector chan<- prometheus.Metric) {
	c.accessTotal.Collect(collector)
}

func (c *CachingResolver) resolve(ctx context.Context, key cacheKey, miss func(context.Context, string) (datastore.Replicable, error)) (datastore.Replicable, error) {
	if v, ok := c.cache.Get(key); ok {
		c.accessTotal.WithLabelValues(key.kind, "hit").Inc()
		return v.(datastore.Replicable), nil
	}

	c.accessTotal.WithLabelValues(key.kind, "miss").Inc()
	r, err := miss(ctx, key.name)
	if err != nil {
		return datastore.Replicable{}, err
	}

	c.cache.Add(key, r)
	return r, nil
}

func (c *CachingResolver) ResolveRepository(ctx context.Context, path string) (datastore.Replicable, error) {
	return c.resolve(ctx, cacheKey{kind: "repository", name: path}, c.next.ResolveRepository)
}

func (c *CachingResolver) ResolveLFSObject(ctx context.Context, oid string) (datastore.Replicable, error) {
	return c.resolve(ctx, cacheKey{kind: "lfs_object", name: oid}, c.next.ResolveLFSObject)
}
