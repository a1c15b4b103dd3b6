package service

import (
	"context"

	"github.com/textileio/auctionbft/cmd/auctiond/metrics"
	"go.opentelemetry.io/otel/metric"
)

var prefix = metrics.Prefix + ".ledger"

func (s *Service) initMetrics() {
	metrics.Meter.NewInt64GaugeObserver(prefix+".auctions", s.ledgerAuctionsCb)
	metrics.Meter.NewInt64GaugeObserver(prefix+".bids", s.ledgerBidsCb)
	metrics.Meter.NewInt64GaugeObserver(prefix+".votes", s.ledgerVotesCb)
}

func (s *Service) ledgerAuctionsCb(_ context.Context, r metric.Int64ObserverResult) {
	r.Observe(int64(s.ledger.Stats().Auctions))
}

func (s *Service) ledgerBidsCb(_ context.Context, r metric.Int64ObserverResult) {
	r.Observe(int64(s.ledger.Stats().Bids))
}

func (s *Service) ledgerVotesCb(_ context.Context, r metric.Int64ObserverResult) {
	st := s.ledger.Stats()
	r.Observe(int64(st.Prevotes), metrics.AttrKind.String("prevote"))
	r.Observe(int64(st.Precommits), metrics.AttrKind.String("precommit"))
}
