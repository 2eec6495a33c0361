// Package tokens tracks which token addresses have resolved metadata.
package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/evm"
)

// ResolutionCache answers CheckTokenResolved from an in-memory set that is
// refreshed from the token store. Lookups never block on I/O.
type ResolutionCache struct {
	store  domain.TokenStore
	logger *slog.Logger

	mu       sync.RWMutex
	resolved map[string]struct{}
}

// NewResolutionCache creates an empty cache backed by store.
func NewResolutionCache(store domain.TokenStore, logger *slog.Logger) *ResolutionCache {
	return &ResolutionCache{
		store:    store,
		logger:   logger.With(slog.String("component", "token_cache")),
		resolved: make(map[string]struct{}),
	}
}

// CheckTokenResolved reports whether metadata for address is known.
func (c *ResolutionCache) CheckTokenResolved(address string) bool {
	key := evm.Normalize(address)
	c.mu.RLock()
	_, ok := c.resolved[key]
	c.mu.RUnlock()
	return ok
}

// MarkResolved adds addresses to the set without a store round-trip.
func (c *ResolutionCache) MarkResolved(addresses ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range addresses {
		if key := evm.Normalize(a); key != "" {
			c.resolved[key] = struct{}{}
		}
	}
}

// Len returns the number of resolved addresses held.
func (c *ResolutionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.resolved)
}

// Refresh replaces the set with the store's resolved addresses.
func (c *ResolutionCache) Refresh(ctx context.Context) error {
	addrs, err := c.store.ListResolvedAddresses(ctx)
	if err != nil {
		return fmt.Errorf("tokens: list resolved: %w", err)
	}

	next := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		if key := evm.Normalize(a); key != "" {
			next[key] = struct{}{}
		}
	}

	c.mu.Lock()
	c.resolved = next
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "token cache refreshed", slog.Int("resolved", len(next)))
	return nil
}

// RunLoop refreshes on start and then every interval until ctx is done.
func (c *ResolutionCache) RunLoop(ctx context.Context, interval time.Duration) error {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Error("token cache refresh failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("token cache loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error("token cache refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}
