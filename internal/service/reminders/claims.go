package reminders

import (
	"context"
	"sync"
	"time"
)

// Claimer hands out short-lived exclusive claims so that overlapping runs never work on
// the same (appointment, tier) pair at once.
type Claimer interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// LocalClaimer is the in-process Claimer used when no Redis is configured. It only
// protects runs inside one process.
type LocalClaimer struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	held map[string]time.Time
}

func NewLocalClaimer(ttl time.Duration) *LocalClaimer {
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	return &LocalClaimer{ttl: ttl, now: time.Now, held: make(map[string]time.Time)}
}

func (c *LocalClaimer) Claim(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if expires, ok := c.held[key]; ok && now.Before(expires) {
		return false, nil
	}
	c.held[key] = now.Add(c.ttl)
	return true, nil
}

func (c *LocalClaimer) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, key)
	return nil
}
