package validator

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/textileio/auctionbft/auction"
	"github.com/textileio/auctionbft/cmd/auctiond/consensus"
	"github.com/textileio/auctionbft/cmd/auctiond/ledger"
	"github.com/textileio/auctionbft/registry"
	"github.com/textileio/auctionbft/signer"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/metric"
)

var log = golog.Logger("auctiond/validator")

// Broadcaster publishes votes to the network and delivers them to the local engine.
type Broadcaster interface {
	PublishPrevote(ctx context.Context, prevote auction.Prevote) error
	PublishPrecommit(ctx context.Context, precommit auction.Precommit) error
}

// EmptyBidSubmitter stores locally synthesized empty bids.
type EmptyBidSubmitter interface {
	SubmitEmptyBid(ctx context.Context, bid auction.Bid) error
}

// Config defines params for Validator configuration.
type Config struct {
	Signer      *signer.Signer
	Ledger      *ledger.Ledger
	Solvers     registry.Registry
	Broadcaster Broadcaster
	Engine      EmptyBidSubmitter
	Clock       clock.Clock
	// Passive validators keep the ledger complete with empty bids but never vote.
	// Nodes that aren't registry members run passive.
	Passive bool
}

// Validator votes on bids and fills in empty bids for solvers that missed the deadline.
type Validator struct {
	signer  *signer.Signer
	ledger  *ledger.Ledger
	solvers registry.Registry
	net     Broadcaster
	engine  EmptyBidSubmitter
	clock   clock.Clock
	passive bool

	metricVotes     metric.Int64Counter
	metricEmptyBids metric.Int64Counter
}

var _ consensus.Validator = (*Validator)(nil)

// New returns a new Validator.
func New(conf Config) (*Validator, error) {
	if conf.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if conf.Ledger == nil || conf.Solvers == nil {
		return nil, errors.New("ledger and solver registry are required")
	}
	if conf.Broadcaster == nil || conf.Engine == nil {
		return nil, errors.New("broadcaster and engine are required")
	}
	if conf.Clock == nil {
		conf.Clock = clock.New()
	}
	v := &Validator{
		signer:  conf.Signer,
		ledger:  conf.Ledger,
		solvers: conf.Solvers,
		net:     conf.Broadcaster,
		engine:  conf.Engine,
		clock:   conf.Clock,
		passive: conf.Passive,
	}
	v.initMetrics()
	if v.passive {
		log.Infof("running passive validator %s", v.signer.Address().Hex())
	} else {
		log.Infof("running validator %s", v.signer.Address().Hex())
	}
	return v, nil
}

// OnBid prevotes for the bid.
func (v *Validator) OnBid(ctx context.Context, bid auction.Bid) {
	if v.passive {
		return
	}
	commitment, err := auction.Commitment(bid.Payload)
	if err != nil {
		log.Errorf("computing commitment of %s: %v", bid.Payload, err)
		return
	}
	payload := auction.VotePayload{
		Auction:    bid.Payload.Auction,
		Solver:     bid.Payload.Solver,
		Commitment: commitment,
	}
	sig, err := v.signer.Sign(auction.PrevoteSigning(payload))
	if err != nil {
		log.Errorf("signing prevote %s: %v", payload, err)
		return
	}
	log.Debugf("prevoting %s", payload)
	err = v.net.PublishPrevote(ctx, auction.Prevote{
		Payload:   payload,
		Signature: sig,
		Timestamp: auction.Timestamp(v.clock.Now()),
	})
	v.countVote(ctx, auction.KindPrevote, err)
	if err != nil {
		log.Errorf("publishing prevote %s: %v", payload, err)
	}
}

// OnPrevoteQuorum precommits to the same bid the prevotes attest to.
func (v *Validator) OnPrevoteQuorum(ctx context.Context, payload auction.VotePayload) {
	if v.passive {
		return
	}
	sig, err := v.signer.Sign(auction.PrecommitSigning(payload))
	if err != nil {
		log.Errorf("signing precommit %s: %v", payload, err)
		return
	}
	log.Debugf("precommitting %s", payload)
	err = v.net.PublishPrecommit(ctx, auction.Precommit{
		Payload:   payload,
		Signature: sig,
		Timestamp: auction.Timestamp(v.clock.Now()),
	})
	v.countVote(ctx, auction.KindPrecommit, err)
	if err != nil {
		log.Errorf("publishing precommit %s: %v", payload, err)
	}
}

// Sweep stores an empty bid for every registered solver that has no bid in the auction.
// It runs at the vote deadline. Storing the empty bid triggers the prevote for it, unless passive.
func (v *Validator) Sweep(ctx context.Context, id auction.ID) error {
	solvers, err := v.solvers.Addresses(ctx)
	if err != nil {
		return fmt.Errorf("getting solvers: %v", err)
	}
	var missing int
	for _, s := range solvers {
		if _, ok := v.ledger.GetBid(id, s); ok {
			continue
		}
		missing++
		log.Debugf("solver %s didn't bid in auction %d, voting for an empty bid", s.Hex(), id)
		empty := auction.NewEmptyBid(id, s, v.clock.Now())
		if err := v.engine.SubmitEmptyBid(ctx, empty); err != nil {
			log.Errorf("submitting empty bid for %s in auction %d: %v", s.Hex(), id, err)
			continue
		}
		v.metricEmptyBids.Add(ctx, 1)
	}
	if missing > 0 {
		log.Infof("auction %d closed with %d/%d solvers missing", id, missing, len(solvers))
	}
	return nil
}
