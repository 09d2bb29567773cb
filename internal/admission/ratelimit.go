package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dimension is one identity axis a rate limit is keyed by.
type Dimension string

const (
	DimensionOwner    Dimension = "owner"
	DimensionResource Dimension = "resource"
	DimensionClientIP Dimension = "ip"
)

// DimensionLimit is a fixed-window ceiling for one dimension of one
// endpoint.
type DimensionLimit struct {
	Dimension Dimension
	Limit     int64
	Window    time.Duration
}

// Identity carries the caller's values for each dimension. Dimensions
// with no value are skipped.
type Identity map[Dimension]string

// Decision is the outcome of an admission check. A rejection is a normal
// outcome, not an error; RetryAfter tells the caller when to come back.
type Decision struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	Dimension  Dimension // the dimension that rejected, when !Allowed
}

// RateLimiter enforces fixed-window counters in redis, one bucket per
// (endpoint, dimension, value). Windows reset wholesale: a bucket simply
// expires and the next hit starts a fresh count.
type RateLimiter struct {
	client *redis.Client
	limits map[string][]DimensionLimit
}

// NewRateLimiter creates a limiter with per-endpoint dimension configs.
func NewRateLimiter(client *redis.Client, limits map[string][]DimensionLimit) *RateLimiter {
	return &RateLimiter{client: client, limits: limits}
}

// Admit counts this request against every configured dimension for the
// endpoint and rejects on the first one over its ceiling. The increment
// and window creation are a single redis operation per bucket, so
// concurrent requests cannot interleave a read and a write.
func (rl *RateLimiter) Admit(ctx context.Context, endpoint string, identity Identity) (*Decision, error) {
	dims, ok := rl.limits[endpoint]
	if !ok {
		return &Decision{Allowed: true, Remaining: -1}, nil
	}

	decision := &Decision{Allowed: true, Remaining: -1}

	for _, dim := range dims {
		value, ok := identity[dim.Dimension]
		if !ok || value == "" {
			continue
		}

		key := fmt.Sprintf("ratelimit:%s:%s:%s", endpoint, dim.Dimension, value)

		count, err := rl.client.Incr(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to increment rate limit bucket: %w", err)
		}
		if count == 1 {
			if err := rl.client.PExpire(ctx, key, dim.Window).Err(); err != nil {
				return nil, fmt.Errorf("failed to set bucket window: %w", err)
			}
		}

		ttl, err := rl.client.PTTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read bucket ttl: %w", err)
		}
		if ttl < 0 {
			// Bucket lost its window (client died between INCR and
			// PEXPIRE); reattach it rather than leave it unbounded.
			ttl = dim.Window
			if err := rl.client.PExpire(ctx, key, dim.Window).Err(); err != nil {
				return nil, fmt.Errorf("failed to reattach bucket window: %w", err)
			}
		}

		resetAt := time.Now().Add(ttl)

		if count > dim.Limit {
			return &Decision{
				Allowed:    false,
				Remaining:  0,
				ResetAt:    resetAt,
				RetryAfter: ttl,
				Dimension:  dim.Dimension,
			}, nil
		}

		remaining := dim.Limit - count
		if decision.Remaining < 0 || remaining < decision.Remaining {
			decision.Remaining = remaining
			decision.ResetAt = resetAt
		}
	}

	return decision, nil
}
