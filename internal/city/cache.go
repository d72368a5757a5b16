package city

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultSharedTimeout bounds a resolution shared by concurrent callers.
const DefaultSharedTimeout = 5 * time.Minute

// NameResolver resolves a city name, optionally narrowed by an ISO country code,
// to a registered provider id.
type NameResolver interface {
	Resolve(ctx context.Context, name, country string) (string, error)
}

// CachedResolver remembers registered ids for a TTL and collapses concurrent
// resolutions of the same city into a single lookup+registration.
// Only successful resolutions are cached, so every cached id is registered.
type CachedResolver struct {
	next  NameResolver
	store *cache.Cache
	group singleflight.Group

	// SharedTimeout bounds the collapsed lookup+registration. It runs detached from
	// any single caller, so one caller giving up does not fail the others.
	SharedTimeout time.Duration
}

// NewCachedResolver wraps next with a cache whose entries expire after ttl.
func NewCachedResolver(next NameResolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		next:          next,
		store:         cache.New(ttl, 2*ttl),
		SharedTimeout: DefaultSharedTimeout,
	}
}

func (c *CachedResolver) Resolve(ctx context.Context, name, country string) (string, error) {
	key := cacheKey(name, country)
	if strings.TrimSpace(name) == "" {
		return "", ErrInvalidName
	}
	if id, ok := c.store.Get(key); ok {
		return id.(string), nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		if id, ok := c.store.Get(key); ok {
			return id, nil
		}
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sharedTimeout())
		defer cancel()

		id, err := c.next.Resolve(shared, name, country)
		if err != nil {
			return "", err
		}
		c.store.SetDefault(key, id)
		return id, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Forget drops a cached id, e.g. after the provider stopped recognising it.
func (c *CachedResolver) Forget(name, country string) {
	c.store.Delete(cacheKey(name, country))
}

func (c *CachedResolver) sharedTimeout() time.Duration {
	if c.SharedTimeout <= 0 {
		return DefaultSharedTimeout
	}
	return c.SharedTimeout
}

func cacheKey(name, country string) string {
	return strings.ToLower(strings.TrimSpace(name)) + ":" + strings.ToUpper(strings.TrimSpace(country))
}
