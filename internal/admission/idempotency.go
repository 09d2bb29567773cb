package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReserveState is the outcome of an idempotency reservation.
type ReserveState int

const (
	// Reserved means the key was unseen and is now held by this request.
	Reserved ReserveState = iota
	// Replay means an identical request completed inside the window; the
	// cached response must be returned verbatim.
	Replay
	// InFlight means an identical request reserved the key but has not
	// completed yet.
	InFlight
)

// pendingSentinel marks a reservation whose response is not stored yet.
const pendingSentinel = "__pending__"

// AssetDigest is one manifest entry's content identity.
type AssetDigest struct {
	Slot     string
	Checksum string
}

// IdempotencyGuard deduplicates semantically identical submissions inside
// a bounded replay window. Reservation is a single insert-if-absent, so
// two concurrent duplicates cannot both pass admission.
type IdempotencyGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdempotencyGuard creates a guard with the given replay window.
func NewIdempotencyGuard(client *redis.Client, ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{client: client, ttl: ttl}
}

// ComputeKey derives the dedup key from normalized request content.
// Asset digests are sorted before hashing so two requests with the same
// semantic content but different wire ordering collide to the same key.
func ComputeKey(endpoint, ownerID, resourceID, templateID string, assets []AssetDigest) string {
	sorted := make([]AssetDigest, len(assets))
	copy(sorted, assets)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Slot != sorted[j].Slot {
			return sorted[i].Slot < sorted[j].Slot
		}
		return sorted[i].Checksum < sorted[j].Checksum
	})

	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteByte('|')
	b.WriteString(ownerID)
	b.WriteByte('|')
	b.WriteString(resourceID)
	b.WriteByte('|')
	b.WriteString(templateID)
	for _, a := range sorted {
		b.WriteByte('|')
		b.WriteString(a.Slot)
		b.WriteByte(':')
		b.WriteString(a.Checksum)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Reserve atomically claims the key. On Replay the original cached
// response is returned and no further admission checks may run.
func (g *IdempotencyGuard) Reserve(ctx context.Context, key string) ([]byte, ReserveState, error) {
	redisKey := "idem:" + key

	set, err := g.client.SetNX(ctx, redisKey, pendingSentinel, g.ttl).Result()
	if err != nil {
		return nil, Reserved, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if set {
		return nil, Reserved, nil
	}

	val, err := g.client.Get(ctx, redisKey).Bytes()
	if err == redis.Nil {
		// Expired between SetNX and Get; treat as a fresh reservation.
		set, err = g.client.SetNX(ctx, redisKey, pendingSentinel, g.ttl).Result()
		if err != nil {
			return nil, Reserved, fmt.Errorf("failed to re-reserve idempotency key: %w", err)
		}
		if set {
			return nil, Reserved, nil
		}
		return nil, InFlight, nil
	}
	if err != nil {
		return nil, Reserved, fmt.Errorf("failed to read idempotency record: %w", err)
	}

	if string(val) == pendingSentinel {
		return nil, InFlight, nil
	}
	return val, Replay, nil
}

// Complete stores the response against a held reservation, keeping the
// remaining replay window.
func (g *IdempotencyGuard) Complete(ctx context.Context, key string, response []byte) error {
	redisKey := "idem:" + key
	if err := g.client.Set(ctx, redisKey, response, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

// Release drops a held reservation after a failed admission so a
// corrected retry is not locked out for the rest of the window.
func (g *IdempotencyGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, "idem:"+key).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
