package warming

import (
	"context"
	"time"

	cachemanager "encore.app/cache-manager"
)

// CacheManagerClient adapts cache-manager's Set endpoint to the CacheClient
// interface the warming service depends on. Encore compiles a same-app
// service call like this into a direct function call (or an RPC across
// instances), so no separate wire client is needed here.
type CacheManagerClient struct{}

// NewCacheManagerClient returns a CacheClient backed by the cache-manager
// service's public Set API.
func NewCacheManagerClient() *CacheManagerClient {
	return &CacheManagerClient{}
}

func (c *CacheManagerClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := cachemanager.Set(ctx, key, &cachemanager.SetRequest{
		Value: value,
		TTL:   int(ttl.Seconds()),
	})
	return err
}
