package schedule

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/textileio/auctionbft/auction"
	golog "github.com/textileio/go-log/v2"
)

var log = golog.Logger("auctiond/schedule")

// Job is invoked once per auction.
type Job func(ctx context.Context, id auction.ID)

// Scheduler fires jobs at a fixed offset before every auction's vote deadline.
type Scheduler struct {
	clock     clock.Clock
	frequency time.Duration
}

// New returns a new Scheduler. A nil clock defaults to the wall clock.
func New(clk clock.Clock, frequency time.Duration) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{clock: clk, frequency: frequency}
}

// Frequency returns the auction length.
func (s *Scheduler) Frequency() time.Duration {
	return s.frequency
}

// NextFire returns the first auction whose fire point, VoteDeadline - offset, is strictly after now.
func NextFire(now time.Time, frequency, offset time.Duration) (auction.ID, time.Time) {
	id := auction.IDAt(now, frequency)
	at := id.VoteDeadline(frequency).Add(-offset)
	for !at.After(now) {
		id++
		at = at.Add(frequency)
	}
	return id, at
}

// Schedule calls job for every auction at offset before its vote deadline, until ctx is done.
// Jobs run sequentially. If a job overruns the next fire point, the missed auctions are skipped.
func (s *Scheduler) Schedule(ctx context.Context, offset time.Duration, job Job) {
	id, at := NextFire(s.clock.Now(), s.frequency, offset)
	log.Debugf("first job with offset %s fires for auction %d at %s", offset, id, at.Format(time.RFC3339Nano))
	for {
		timer := s.clock.Timer(at.Sub(s.clock.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Debugf("schedule with offset %s stopped", offset)
			return
		case <-timer.C:
		}

		job(ctx, id)

		next, nextAt := id+1, at.Add(s.frequency)
		if now := s.clock.Now(); nextAt.Before(now) {
			next, nextAt = NextFire(now, s.frequency, offset)
			log.Warnf("job for auction %d overran, skipping %d auctions", id, next-id-1)
		}
		id, at = next, nextAt
	}
}
