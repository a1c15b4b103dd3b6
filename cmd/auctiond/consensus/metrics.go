package consensus

import (
	"context"
	"errors"

	"github.com/textileio/auctionbft/auction"
	"github.com/textileio/auctionbft/cmd/auctiond/ledger"
	"github.com/textileio/auctionbft/cmd/auctiond/metrics"
	basemetrics "github.com/textileio/auctionbft/metrics"
	"go.opentelemetry.io/otel/attribute"
)

var prefix = metrics.Prefix + ".consensus"

func (e *Engine) initMetrics() {
	e.metricReceived = metrics.Meter.NewInt64Counter(prefix + ".messages_total")
	e.metricDropped = metrics.Meter.NewInt64Counter(prefix + ".dropped_total")
	e.metricQuorums = metrics.Meter.NewInt64Counter(prefix + ".quorums_total")
	e.metricFinalized = metrics.Meter.NewInt64Counter(prefix + ".finalized_total")
	e.metricConflicts = metrics.Meter.NewInt64Counter(prefix + ".conflicts_total")
}

// observe records the outcome of handling a message of the given kind.
func (e *Engine) observe(ctx context.Context, kind auction.Kind, err error) {
	basemetrics.MetricIncrCounter(ctx, err, e.metricReceived, kindAttr(kind))
	if err == nil {
		return
	}
	var reason string
	switch {
	case errors.Is(err, ErrUnauthenticated):
		reason = "unauthenticated"
	case errors.Is(err, ErrUnauthorized):
		reason = "unauthorized"
	case errors.Is(err, ledger.ErrConflict):
		reason = "conflict"
	case errors.Is(err, ledger.ErrPruned):
		reason = "pruned"
	default:
		reason = "other"
	}
	e.metricDropped.Add(ctx, 1, kindAttr(kind), metrics.AttrReason.String(reason))
}

// quorumReached counts a quorum event. Callers must hold e.lk.
func (e *Engine) quorumReached(ctx context.Context, kind auction.Kind) {
	e.quorums[kind]++
	e.metricQuorums.Add(ctx, 1, kindAttr(kind))
}

func kindAttr(kind auction.Kind) attribute.KeyValue {
	return metrics.AttrKind.String(string(kind))
}
