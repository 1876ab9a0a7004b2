package access

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const maxCachedDecisions = 10000

type decision struct {
	allowed  bool
	expireAt time.Time
}

// CachedGateway remembers decisions for a short TTL and collapses concurrent
// lookups of the same key into one upstream call. Errors are never cached.
type CachedGateway struct {
	next Gateway
	ttl  time.Duration
	now  func() time.Time
	sf   singleflight.Group

	mu      sync.Mutex
	entries map[string]decision
}

var _ Gateway = (*CachedGateway)(nil)

func NewCachedGateway(next Gateway, ttl time.Duration) *CachedGateway {
	return &CachedGateway{next: next, ttl: ttl, now: time.Now, entries: make(map[string]decision)}
}

func cacheKey(userID, resourceID, resourceType string) string {
	return resourceType + "\x00" + resourceID + "\x00" + userID
}

func (g *CachedGateway) CanAccess(ctx context.Context, userID, resourceID, resourceType string) (bool, error) {
	key := cacheKey(userID, resourceID, resourceType)

	g.mu.Lock()
	d, ok := g.entries[key]
	g.mu.Unlock()
	if ok && g.now().Before(d.expireAt) {
		return d.allowed, nil
	}

	v, err, _ := g.sf.Do(key, func() (any, error) {
		allowed, err := g.next.CanAccess(ctx, userID, resourceID, resourceType)
		if err != nil {
			return false, err
		}
		g.store(key, allowed)
		return allowed, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (g *CachedGateway) store(key string, allowed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if len(g.entries) >= maxCachedDecisions {
		for k, d := range g.entries {
			if !now.Before(d.expireAt) {
				delete(g.entries, k)
			}
		}
	}
	if len(g.entries) < maxCachedDecisions {
		g.entries[key] = decision{allowed: allowed, expireAt: now.Add(g.ttl)}
	}
}
