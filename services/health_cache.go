package services

import (
	"sync"
	"time"
)

// DefaultHealthCacheTTL is how long a backend probe result is reused
const DefaultHealthCacheTTL = 30 * time.Second

// HealthCache keeps the last backend probe result for a TTL so frequent
// health checks do not hit the space on every request.
type HealthCache struct {
	mu        sync.RWMutex
	err       error
	checkedAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

// NewHealthCache creates a new HealthCache with the specified TTL.
// A TTL of 0 disables caching.
func NewHealthCache(ttl time.Duration) *HealthCache {
	return &HealthCache{ttl: ttl, now: time.Now}
}

// Get reports whether the cache is still valid and the cached probe error
func (c *HealthCache) Get() (valid bool, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	valid = !c.checkedAt.IsZero() && c.now().Sub(c.checkedAt) < c.ttl
	return valid, c.err
}

// Set records a probe result
func (c *HealthCache) Set(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	c.checkedAt = c.now()
}

// Invalidate clears the cache, forcing the next check to probe
func (c *HealthCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkedAt = time.Time{}
}

// TTL returns the cache's time-to-live duration.
func (c *HealthCache) TTL() time.Duration {
	return c.ttl
}
