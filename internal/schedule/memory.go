package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/fillindexer/internal/domain"
)

type heldKey struct {
	token   uint64
	expires time.Time
}

// MemoryCoalescer is an in-process domain.LockManager with TTL expiry. It
// only coalesces within one process; use the Redis lock manager when several
// ingestors share a queue.
type MemoryCoalescer struct {
	mu   sync.Mutex
	held map[string]heldKey
	seq  uint64
	now  func() time.Time
}

// NewMemoryCoalescer creates an empty MemoryCoalescer.
func NewMemoryCoalescer() *MemoryCoalescer {
	return &MemoryCoalescer{
		held: make(map[string]heldKey),
		now:  time.Now,
	}
}

// Acquire takes key for ttl. It returns domain.ErrLockHeld while an earlier
// acquisition is live. The returned release is safe to call more than once.
func (c *MemoryCoalescer) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if h, ok := c.held[key]; ok && now.Before(h.expires) {
		return nil, domain.ErrLockHeld
	}

	c.seq++
	token := c.seq
	c.held[key] = heldKey{token: token, expires: now.Add(ttl)}

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if h, ok := c.held[key]; ok && h.token == token {
				delete(c.held, key)
			}
		})
	}
	return release, nil
}

// Cleanup drops expired keys. Call it periodically to bound memory.
func (c *MemoryCoalescer) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, h := range c.held {
		if !now.Before(h.expires) {
			delete(c.held, k)
		}
	}
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (c *MemoryCoalescer) RunCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

var _ domain.LockManager = (*MemoryCoalescer)(nil)
