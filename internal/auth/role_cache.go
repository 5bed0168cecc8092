package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// RoleStore is the document-store point lookup for a role string by UID.
type RoleStore interface {
	GetRole(ctx context.Context, uid string) (role string, found bool, err error)
}

// RoleCache resolves roles from a RoleStore with an optional in-memory TTL
// cache. Concurrent lookups for the same UID are coalesced into one store call.
// Only resolved roles are cached; misses and failures always go to the store.
type RoleCache struct {
	store RoleStore
	cache *expirable.LRU[string, Role] // nil when caching is disabled
	sf    singleflight.Group
}

// NewRoleCache creates a role resolver. A ttl <= 0 disables caching.
func NewRoleCache(store RoleStore, size int, ttl time.Duration) *RoleCache {
	c := &RoleCache{store: store}
	if ttl > 0 {
		if size <= 0 {
			size = 1024
		}
		c.cache = expirable.NewLRU[string, Role](size, nil, ttl)
	}
	return c
}

// LookupRole returns the role for uid. It returns an error wrapping
// ErrRoleNotFound when no role document exists or the stored value is not a
// known role, and the store error otherwise.
func (c *RoleCache) LookupRole(ctx context.Context, uid string) (Role, error) {
	if c.cache != nil {
		if r, ok := c.cache.Get(uid); ok {
			return r, nil
		}
	}

	// The shared call must not die with the first caller's context: another
	// session may be waiting on the same UID.
	ch := c.sf.DoChan(uid, func() (any, error) {
		raw, found, err := c.store.GetRole(context.WithoutCancel(ctx), uid)
		if err != nil {
			return RoleNone, fmt.Errorf("get role for %s: %w", uid, err)
		}
		if !found {
			return RoleNone, fmt.Errorf("%w for %s", ErrRoleNotFound, uid)
		}
		role, err := ParseRole(raw)
		if err != nil {
			return RoleNone, fmt.Errorf("%w for %s: %w", ErrRoleNotFound, uid, err)
		}
		if c.cache != nil {
			c.cache.Add(uid, role)
		}
		return role, nil
	})

	select {
	case <-ctx.Done():
		return RoleNone, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return RoleNone, res.Err
		}
		return res.Val.(Role), nil
	}
}

// Invalidate drops any cached role for uid.
func (c *RoleCache) Invalidate(uid string) {
	if c.cache != nil {
		c.cache.Remove(uid)
	}
}
