package admission

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antaewoong/stayrender/internal/logging"
)

// Sweeper periodically deletes admission-control keys that lost their
// TTL, bounding memory. Admission decisions never depend on it: expiry is
// always checked at read time via the key TTLs.
type Sweeper struct {
	client   *redis.Client
	logger   *logging.Logger
	interval time.Duration
	prefixes []string
}

// NewSweeper creates a sweeper over the rate-limit and idempotency
// keyspaces.
func NewSweeper(client *redis.Client, logger *logging.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		client:   client,
		logger:   logger,
		interval: interval,
		prefixes: []string{"ratelimit:*", "idem:*"},
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.sweep(ctx)
			if err != nil {
				s.logger.ErrorWithErr("admission sweep failed", err)
				continue
			}
			if removed > 0 {
				s.logger.WithField("removed", removed).Info("evicted orphaned admission keys")
			}
		}
	}
}

// sweep deletes keys with no expiry under the admission prefixes. Keys
// with a TTL are left for redis to evict on its own.
func (s *Sweeper) sweep(ctx context.Context) (int, error) {
	removed := 0

	for _, pattern := range s.prefixes {
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			ttl, err := s.client.PTTL(ctx, key).Result()
			if err != nil {
				return removed, err
			}
			if ttl == -1 {
				if err := s.client.Del(ctx, key).Err(); err != nil {
					return removed, err
				}
				removed++
			}
		}
		if err := iter.Err(); err != nil {
			return removed, err
		}
	}

	return removed, nil
}
