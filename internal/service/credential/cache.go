package credential

import (
	"sync"
	"time"

	"github.com/observatory-hq/observatory/internal/domain"
)

// cache is a bounded TTL map of fingerprint -> credential. Eviction is lazy
// plus a random-victim drop when full; the credential store remains the
// authority and writes must Invalidate.
type cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	max     int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	cred     domain.Credential
	cachedAt time.Time
}

func newCache(max int, ttl time.Duration) *cache {
	if max <= 0 {
		max = 10000
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &cache{entries: make(map[string]cacheEntry), max: max, ttl: ttl, now: time.Now}
}

func (c *cache) get(fp string) (domain.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fp]
	if !ok {
		return domain.Credential{}, false
	}
	if c.now().Sub(e.cachedAt) > c.ttl {
		delete(c.entries, fp)
		return domain.Credential{}, false
	}
	return e.cred, true
}

func (c *cache) put(fp string, cred domain.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[fp] = cacheEntry{cred: cred, cachedAt: c.now()}
}

func (c *cache) drop(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fp)
}
