package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seoulClock(t *testing.T) *PeriodClock {
	clock, err := NewPeriodClock("Asia/Seoul")
	require.NoError(t, err)
	return clock
}

func TestNewPeriodClock_InvalidTimezone(t *testing.T) {
	_, err := NewPeriodClock("Not/AZone")
	assert.Error(t, err)
}

func TestCurrentPeriodStart(t *testing.T) {
	clock := seoulClock(t)
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "wednesday maps to preceding monday",
			now:  time.Date(2024, 1, 10, 15, 30, 0, 0, seoul),
			want: time.Date(2024, 1, 8, 0, 0, 0, 0, seoul),
		},
		{
			name: "sunday still belongs to the week that started six days ago",
			now:  time.Date(2024, 1, 14, 23, 59, 59, 0, seoul),
			want: time.Date(2024, 1, 8, 0, 0, 0, 0, seoul),
		},
		{
			name: "monday midnight starts its own period",
			now:  time.Date(2024, 1, 8, 0, 0, 0, 0, seoul),
			want: time.Date(2024, 1, 8, 0, 0, 0, 0, seoul),
		},
		{
			name: "utc instant is bucketed by seoul wall clock",
			// 15:30 UTC Sunday is 00:30 Monday in Seoul.
			now:  time.Date(2024, 1, 14, 15, 30, 0, 0, time.UTC),
			want: time.Date(2024, 1, 15, 0, 0, 0, 0, seoul),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clock.CurrentPeriodStart(tt.now)
			assert.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
		})
	}
}

func TestNextPeriodStart(t *testing.T) {
	clock := seoulClock(t)
	seoul, _ := time.LoadLocation("Asia/Seoul")

	now := time.Date(2024, 1, 10, 12, 0, 0, 0, seoul)
	next := clock.NextPeriodStart(now)
	assert.True(t, next.Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, seoul)))
	assert.Equal(t, time.Monday, next.Weekday())
}

func TestPeriodKey(t *testing.T) {
	clock := seoulClock(t)
	seoul, _ := time.LoadLocation("Asia/Seoul")

	now := time.Date(2024, 1, 13, 9, 0, 0, 0, seoul)
	assert.Equal(t, "2024-01-08", clock.PeriodKey(now))
}
