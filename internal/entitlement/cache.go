package entitlement

import (
	"context"
	"time"

	"github.com/roach88/iapsync/internal/store"
)

// StoreCache is a Cache backed by the ledger's entitlement flag.
type StoreCache struct {
	store *store.Store
	now   func() time.Time
}

// NewStoreCache returns a cache over s. A nil now uses time.Now.
func NewStoreCache(s *store.Store, now func() time.Time) *StoreCache {
	if now == nil {
		now = time.Now
	}
	return &StoreCache{store: s, now: now}
}

// CheckUnlocked reads the flag.
func (c *StoreCache) CheckUnlocked(ctx context.Context) (bool, error) {
	return c.store.Entitled(ctx)
}

// SetUnlocked writes the flag and confirms it by reading it back.
func (c *StoreCache) SetUnlocked(ctx context.Context) (bool, error) {
	if err := c.store.SetEntitled(ctx, true, c.now()); err != nil {
		return false, err
	}
	return c.store.Entitled(ctx)
}

// Lock clears the flag. Used by support tooling.
func (c *StoreCache) Lock(ctx context.Context) error {
	return c.store.SetEntitled(ctx, false, c.now())
}
