package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/textileio/auctionbft/auction"
)

func TestNextFire(t *testing.T) {
	t.Parallel()
	ms := func(n int64) time.Time { return time.Unix(0, n*int64(time.Millisecond)) }
	tests := []struct {
		name   string
		now    time.Time
		offset time.Duration
		id     auction.ID
		at     time.Time
	}{
		{"deadline sweep mid auction", ms(53_000), 0, 5, ms(60_000)},
		{"bid mid auction", ms(53_000), auction.BidOffset, 5, ms(58_000)},
		{"bid point passed", ms(58_500), auction.BidOffset, 6, ms(68_000)},
		{"exactly at bid point", ms(58_000), auction.BidOffset, 6, ms(68_000)},
		{"window start", ms(50_000), 0, 5, ms(60_000)},
		{"just before deadline", ms(59_999), 0, 5, ms(60_000)},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			id, at := NextFire(tc.now, auction.Frequency, tc.offset)
			require.Equal(t, tc.id, id)
			require.True(t, tc.at.Equal(at), "expected %s, got %s", tc.at, at)
		})
	}
}

func TestSchedule(t *testing.T) {
	t.Parallel()
	const (
		frequency = 100 * time.Millisecond
		offset    = 20 * time.Millisecond
	)
	s := New(nil, frequency)

	var lk sync.Mutex
	var ids []auction.ID
	var fired []time.Time
	ctx, cancel := context.WithTimeout(context.Background(), 450*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Schedule(ctx, offset, func(_ context.Context, id auction.ID) {
			lk.Lock()
			defer lk.Unlock()
			ids = append(ids, id)
			fired = append(fired, time.Now())
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("schedule didn't stop after cancellation")
	}

	lk.Lock()
	defer lk.Unlock()
	require.GreaterOrEqual(t, len(ids), 3)
	for i := range ids {
		if i > 0 {
			require.Equal(t, ids[i-1]+1, ids[i])
		}
		expected := ids[i].VoteDeadline(frequency).Add(-offset)
		require.False(t, fired[i].Before(expected))
		require.True(t, fired[i].Sub(expected) < 50*time.Millisecond, "fired %s late", fired[i].Sub(expected))
	}
}

func TestScheduleSkipsOverrunAuctions(t *testing.T) {
	t.Parallel()
	const frequency = 50 * time.Millisecond
	s := New(nil, frequency)

	var ids []auction.ID
	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	s.Schedule(ctx, 0, func(_ context.Context, id auction.ID) {
		ids = append(ids, id)
		time.Sleep(2*frequency + frequency/2)
	})

	require.GreaterOrEqual(t, len(ids), 2)
	for i := 1; i < len(ids); i++ {
		require.Greater(t, uint64(ids[i]), uint64(ids[i-1]+1))
	}
}
