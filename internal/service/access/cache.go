package access

import (
	"sync"
	"time"

	"github.com/socialens/socialens/internal/domain"
)

// cacheTTL bounds staleness in case an invalidation is missed.
const cacheTTL = 30 * time.Second

type cacheEntry struct {
	perms     domain.PermissionSet
	expiresAt time.Time
}

// permissionCache memoises resolved permission sets keyed by (user, team) so
// writes affecting one member never flush other members' snapshots.
type permissionCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	userID string
	teamID string
}

func newPermissionCache() *permissionCache {
	return &permissionCache{entries: make(map[cacheKey]cacheEntry)}
}

func (c *permissionCache) get(userID, teamID string) (domain.PermissionSet, bool) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey{userID: userID, teamID: teamID}]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.perms, true
}

func (c *permissionCache) put(userID, teamID string, perms domain.PermissionSet) {
	c.mu.Lock()
	c.entries[cacheKey{userID: userID, teamID: teamID}] = cacheEntry{
		perms:     perms,
		expiresAt: time.Now().Add(cacheTTL),
	}
	c.mu.Unlock()
}

func (c *permissionCache) invalidate(userID, teamID string) {
	c.mu.Lock()
	delete(c.entries, cacheKey{userID: userID, teamID: teamID})
	c.mu.Unlock()
}

func (c *permissionCache) invalidateTeam(teamID string) {
	c.mu.Lock()
	for key := range c.entries {
		if key.teamID == teamID {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
