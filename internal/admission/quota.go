package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// QuotaKind distinguishes who asked for the run.
type QuotaKind string

const (
	// KindDirect is a run requested by the owner themselves.
	KindDirect QuotaKind = "direct"
	// KindDelegated is a run requested on the owner's behalf by an admin.
	KindDelegated QuotaKind = "delegated"
)

// QuotaResult reports the owner's counters after a TryIncrement.
type QuotaResult struct {
	Direct        int64
	Delegated     int64
	Total         int64
	Incremented   bool
	NextAvailable time.Time
}

// QuotaStatus is the read-only view exposed to UIs.
type QuotaStatus struct {
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetDate time.Time `json:"reset_date"`
}

// tryIncrementScript checks the combined total against the ceiling and
// increments in one server-side step. Interleaving a separate read and
// write across concurrent requests is the exact race this exists to
// prevent.
var tryIncrementScript = redis.NewScript(`
local direct = tonumber(redis.call('HGET', KEYS[1], 'direct')) or 0
local delegated = tonumber(redis.call('HGET', KEYS[1], 'delegated')) or 0
local ceiling = tonumber(ARGV[1])
if direct + delegated + 1 <= ceiling then
	redis.call('HINCRBY', KEYS[1], ARGV[2], 1)
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	if ARGV[2] == 'direct' then
		direct = direct + 1
	else
		delegated = delegated + 1
	end
	return {direct, delegated, 1}
end
return {direct, delegated, 0}
`)

// releaseScript decrements a kind without going below zero. Used to give
// back a unit when job creation fails after a successful increment.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1])) or 0
if current > 0 then
	redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
end
return current
`)

// QuotaManager enforces per-owner weekly run ceilings. Buckets are keyed
// by (owner, period start) so a new week implicitly starts a fresh record.
type QuotaManager struct {
	client  *redis.Client
	clock   *PeriodClock
	ceiling int64
}

// NewQuotaManager creates a manager with the given weekly ceiling.
func NewQuotaManager(client *redis.Client, clock *PeriodClock, ceiling int64) *QuotaManager {
	return &QuotaManager{client: client, clock: clock, ceiling: ceiling}
}

func (q *QuotaManager) key(ownerID string, now time.Time) string {
	return fmt.Sprintf("quota:%s:%s", ownerID, q.clock.PeriodKey(now))
}

// TryIncrement atomically consumes one unit of the owner's weekly quota.
// When the ceiling is reached the counters are returned unchanged with
// NextAvailable set to the start of the next period.
func (q *QuotaManager) TryIncrement(ctx context.Context, ownerID string, kind QuotaKind) (*QuotaResult, error) {
	now := time.Now()
	// Keep the record an hour past rollover so Status stays readable
	// right at the boundary.
	expiry := q.clock.NextPeriodStart(now).Add(time.Hour).Sub(now)

	raw, err := tryIncrementScript.Run(ctx, q.client,
		[]string{q.key(ownerID, now)},
		q.ceiling, string(kind), expiry.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to run quota increment: %w", err)
	}
	if len(raw) != 3 {
		return nil, fmt.Errorf("unexpected quota script reply: %v", raw)
	}

	result := &QuotaResult{
		Direct:      raw[0],
		Delegated:   raw[1],
		Total:       raw[0] + raw[1],
		Incremented: raw[2] == 1,
	}
	if !result.Incremented {
		result.NextAvailable = q.clock.NextPeriodStart(now)
	}
	return result, nil
}

// Release gives back one unit of a kind, used as compensation when job
// creation fails after quota was already consumed.
func (q *QuotaManager) Release(ctx context.Context, ownerID string, kind QuotaKind) error {
	_, err := releaseScript.Run(ctx, q.client,
		[]string{q.key(ownerID, time.Now())},
		string(kind),
	).Result()
	if err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// Status reads the owner's current-period usage without mutating state.
func (q *QuotaManager) Status(ctx context.Context, ownerID string) (*QuotaStatus, error) {
	now := time.Now()

	fields, err := q.client.HGetAll(ctx, q.key(ownerID, now)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read quota record: %w", err)
	}

	var used int64
	for _, kind := range []string{string(KindDirect), string(KindDelegated)} {
		if v, ok := fields[kind]; ok {
			var n int64
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				used += n
			}
		}
	}

	remaining := q.ceiling - used
	if remaining < 0 {
		remaining = 0
	}

	return &QuotaStatus{
		Used:      used,
		Remaining: remaining,
		ResetDate: q.clock.NextPeriodStart(now),
	}, nil
}

// Ceiling returns the configured weekly ceiling.
func (q *QuotaManager) Ceiling() int64 {
	return q.ceiling
}
