// Package state memoizes discovery output behind a TTL, collapsing
// concurrent refreshes into a single underlying scan.
package state

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/siteflow/siteflow/internal/model"
)

// Snapshot is one consistent view of the discovered world.
type Snapshot struct {
	Sites       []model.Site  `json:"sites"`
	Routes      []model.Route `json:"routes"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// FetchFunc produces a fresh snapshot; typically discovery.Discover wrapped
// by the caller.
type FetchFunc func(ctx context.Context) (Snapshot, error)

// Cache is the TTL-bounded snapshot cache. Readers share snapshots; an
// in-flight refresh is single-flighted so concurrent forced reads do not
// multiply remote work.
type Cache struct {
	fetch FetchFunc
	ttl   time.Duration
	group singleflight.Group

	mu        sync.RWMutex
	snap      *Snapshot
	fetchedAt time.Time
	stale     bool
}

// NewCache creates a cache refreshing through fetch at most every ttl.
func NewCache(fetch FetchFunc, ttl time.Duration) *Cache {
	return &Cache{fetch: fetch, ttl: ttl}
}

// Get returns the current snapshot, refreshing when forced, stale, or past
// TTL. All callers waiting on the same refresh receive the same snapshot.
func (c *Cache) Get(ctx context.Context, force bool) (Snapshot, error) {
	if !force {
		c.mu.RLock()
		snap, fresh := c.snap, !c.stale && time.Since(c.fetchedAt) < c.ttl
		c.mu.RUnlock()
		if snap != nil && fresh {
			return *snap, nil
		}
	}

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		snap, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.snap = &snap
		c.fetchedAt = time.Now()
		c.stale = false
		c.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// Invalidate marks the cache stale; the next Get triggers a refresh that
// subsumes all concurrent waiters.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Snapshot returns the last snapshot without refreshing, and whether one
// exists.
func (c *Cache) Snapshot() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return Snapshot{}, false
	}
	return *c.snap, true
}
