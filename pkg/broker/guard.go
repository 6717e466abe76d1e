package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard implements at-most-once effects over a non-transactional broker.
// Acquire is a SET-NX with TTL: the single caller that creates the key wins
// and performs the guarded effect; every replay loses. The TTL bounds how
// long a crashed winner can block a legitimate re-run.
type Guard struct {
	rdb *redis.Client
}

// NewGuard creates a Guard over the shared client.
func NewGuard(rdb *redis.Client) *Guard {
	return &Guard{rdb: rdb}
}

// Acquire returns true iff this call created the key.
func (g *Guard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("guard acquire %s: %w", key, err)
	}
	return ok, nil
}

// Release removes the key early. Callers normally let the TTL expire;
// Release exists for tests and for undoing a guard whose effect failed.
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("guard release %s: %w", key, err)
	}
	return nil
}

// Lease is a single-holder lock with expiry, used for reconciler leader
// election. The holder refreshes the lease each sweep; losing it (expiry or
// takeover) is observed on the next Refresh and the holder stands down.
type Lease struct {
	rdb   *redis.Client
	key   string
	owner string
	ttl   time.Duration
}

// NewLease creates a lease on key owned by owner.
func NewLease(rdb *redis.Client, key, owner string, ttl time.Duration) *Lease {
	return &Lease{rdb: rdb, key: key, owner: owner, ttl: ttl}
}

// Acquire attempts to take the lease. Returns true when this owner holds it
// afterwards (including when it already did).
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	return l.Refresh(ctx)
}

// Refresh extends the lease iff this owner still holds it.
func (l *Lease) Refresh(ctx context.Context) (bool, error) {
	current, err := l.rdb.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lease refresh %s: %w", l.key, err)
	}
	if current != l.owner {
		return false, nil
	}
	if err := l.rdb.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return false, fmt.Errorf("lease refresh %s: %w", l.key, err)
	}
	return true, nil
}

// Release gives up the lease iff this owner holds it.
func (l *Lease) Release(ctx context.Context) error {
	current, err := l.rdb.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lease release %s: %w", l.key, err)
	}
	if current != l.owner {
		return nil
	}
	if err := l.rdb.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("lease release %s: %w", l.key, err)
	}
	return nil
}
