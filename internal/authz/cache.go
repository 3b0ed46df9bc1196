// Package authz resolves and caches a principal's roles and permissions,
// and evaluates route-level policies against them. Two independent
// two-tier caches (role set, permission set) share the same shape: L1
// per-instance bounded map, L2 shared store, source IdentityService REST.
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/sharedstore"
)

// Set is a set of short role/permission identifiers.
type Set map[string]struct{}

// NewSet builds a Set from a slice, deduplicating.
func NewSet(values []string) Set {
	s := make(Set, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Has reports set membership.
func (s Set) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Intersects reports whether s shares any member with other.
func (s Set) Intersects(other []string) bool {
	for _, v := range other {
		if s.Has(v) {
			return true
		}
	}
	return false
}

func (s Set) slice() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}

// Fetcher retrieves the authoritative set for a user from the
// IdentityService on an L1+L2 cache miss.
type Fetcher func(ctx context.Context, userID string) (Set, error)

// Cache is a two-tier (L1 in-process, L2 shared store) cache over a
// per-user Set, with a pluggable source fetch on full miss.
type Cache struct {
	l1        *lru.LRU[string, Set]
	l2        sharedstore.Store
	l2Prefix  string
	l2TTL     time.Duration
	fetch     Fetcher
	cacheKind string
}

// NewCache constructs a Cache. l2Prefix is typically "authz:roles:" or
// "authz:perms:".
func NewCache(store sharedstore.Store, l1 config.Authz, l2Prefix string, fetch Fetcher, kind string) *Cache {
	return &Cache{
		l1:        lru.NewLRU[string, Set](l1.L1.MaxEntries, nil, l1.L1.TTL),
		l2:        store,
		l2Prefix:  l2Prefix,
		l2TTL:     l1.L2.TTL,
		fetch:     fetch,
		cacheKind: kind,
	}
}

// Get resolves the set for userID: L1, then L2, then the source fetch.
// A source miss (after an outage) returns the empty set without being
// cached at L2, so a transient IdentityService outage does not poison
// the cache.
func (c *Cache) Get(ctx context.Context, userID string) (Set, error) {
	if s, ok := c.l1.Get(userID); ok {
		return s, nil
	}

	key := c.l2Prefix + userID
	raw, ok, err := c.l2.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("authz: l2 read %s: %w", c.cacheKind, err)
	}
	if ok {
		var values []string
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return nil, fmt.Errorf("authz: decode %s: %w", c.cacheKind, err)
		}
		s := NewSet(values)
		c.l1.Add(userID, s)
		return s, nil
	}

	s, err := c.fetch(ctx, userID)
	if err != nil {
		slog.Warn("authz: source fetch failed, returning empty set", "kind", c.cacheKind, "error", err)
		return Set{}, nil
	}

	if len(s) == 0 {
		return s, nil
	}

	b, err := json.Marshal(s.slice())
	if err == nil {
		if err := c.l2.Set(ctx, key, string(b), c.l2TTL); err != nil {
			slog.Warn("authz: l2 write failed", "kind", c.cacheKind, "error", err)
		}
	}
	c.l1.Add(userID, s)

	return s, nil
}

// Invalidate removes the L1 entry and deletes the L2 key for userID.
// Driven by an IdentityService change-event subscription; best-effort —
// L1 still evicts on TTL even if an event is lost.
func (c *Cache) Invalidate(ctx context.Context, userID string) {
	c.l1.Remove(userID)
	if err := c.l2.Delete(ctx, c.l2Prefix+userID); err != nil {
		slog.Warn("authz: invalidate l2 delete failed", "kind", c.cacheKind, "error", err)
	}
}
