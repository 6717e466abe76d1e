package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Counters tracks per-tenant in-flight job counts for backpressure.
// Increment happens at job acceptance; decrement exactly once at the job's
// terminal transition, protected by a Guard at the call site.
type Counters struct {
	rdb *redis.Client
}

// NewCounters creates Counters over the shared client.
func NewCounters(rdb *redis.Client) *Counters {
	return &Counters{rdb: rdb}
}

func activeJobsKey(tenantID string) string {
	return "dalston:tenant:" + tenantID + ":active_jobs"
}

// IncrActiveJobs bumps the tenant's in-flight count and returns the new value.
func (c *Counters) IncrActiveJobs(ctx context.Context, tenantID string) (int64, error) {
	n, err := c.rdb.Incr(ctx, activeJobsKey(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr active jobs for %s: %w", tenantID, err)
	}
	return n, nil
}

// DecrActiveJobs lowers the tenant's in-flight count, clamping at zero.
func (c *Counters) DecrActiveJobs(ctx context.Context, tenantID string) (int64, error) {
	n, err := c.rdb.Decr(ctx, activeJobsKey(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("decr active jobs for %s: %w", tenantID, err)
	}
	if n < 0 {
		// A decrement raced a missing increment (fresh broker after data
		// loss). Pin back to zero rather than going negative.
		if err := c.rdb.Set(ctx, activeJobsKey(tenantID), 0, 0).Err(); err != nil {
			return 0, fmt.Errorf("clamp active jobs for %s: %w", tenantID, err)
		}
		return 0, nil
	}
	return n, nil
}

// ActiveJobs returns the tenant's current in-flight count.
func (c *Counters) ActiveJobs(ctx context.Context, tenantID string) (int64, error) {
	n, err := c.rdb.Get(ctx, activeJobsKey(tenantID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get active jobs for %s: %w", tenantID, err)
	}
	return n, nil
}
