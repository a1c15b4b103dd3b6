package solver

import (
	"context"
	"time"

	"github.com/textileio/auctionbft/cmd/auctiond/metrics"
	basemetrics "github.com/textileio/auctionbft/metrics"
)

var prefix = metrics.Prefix + ".solver"

func (s *Solver) initMetrics() {
	s.metricBids = metrics.Meter.NewInt64Counter(prefix + ".bids_total")
	s.metricFinalized = metrics.Meter.NewInt64Counter(prefix + ".finalized_total")
	s.metricBidsCount = metrics.Meter.NewInt64Histogram(prefix + ".finalized_bids")
	s.metricSolveDuration = metrics.Meter.NewInt64Histogram(prefix + ".solve_duration_ms")
}

func (s *Solver) countBid(ctx context.Context, err error) {
	basemetrics.MetricIncrCounter(ctx, err, s.metricBids)
}

func (s *Solver) recordSolve(ctx context.Context, err error, start time.Time) {
	basemetrics.MetricRecordElapsed(ctx, err, s.metricSolveDuration, start, s.clock.Now())
}
