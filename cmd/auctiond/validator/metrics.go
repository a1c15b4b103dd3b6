package validator

import (
	"context"

	"github.com/textileio/auctionbft/auction"
	"github.com/textileio/auctionbft/cmd/auctiond/metrics"
	basemetrics "github.com/textileio/auctionbft/metrics"
)

var prefix = metrics.Prefix + ".validator"

func (v *Validator) initMetrics() {
	v.metricVotes = metrics.Meter.NewInt64Counter(prefix + ".votes_total")
	v.metricEmptyBids = metrics.Meter.NewInt64Counter(prefix + ".empty_bids_total")
}

func (v *Validator) countVote(ctx context.Context, kind auction.Kind, err error) {
	basemetrics.MetricIncrCounter(ctx, err, v.metricVotes, metrics.AttrKind.String(string(kind)))
}
