package policy

import (
	"fmt"
	"sync"
)

// Cache holds the active policy snapshot per domain. Re-registering a domain
// with a new document version atomically replaces the old snapshot; in-flight
// requests keep working against the snapshot they already read.
type Cache struct {
	mu sync.RWMutex
	m  map[string]*Policy
}

// NewCache creates an empty policy cache.
func NewCache() *Cache {
	return &Cache{m: make(map[string]*Policy)}
}

// Register installs the policy for its domain. A snapshot with the same
// domain and version as the cached one is a no-op.
func (c *Cache) Register(p *Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.m[p.DomainID]; ok && cur.Version == p.Version {
		return
	}
	c.m[p.DomainID] = p
}

// PolicyFor returns the active policy for a domain.
func (c *Cache) PolicyFor(domainID string) (*Policy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.m[domainID]
	if !ok {
		return nil, fmt.Errorf("no policy registered for domain %q", domainID)
	}
	return p, nil
}
