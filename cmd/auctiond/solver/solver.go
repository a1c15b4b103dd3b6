package solver

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/textileio/auctionbft/auction"
	"github.com/textileio/auctionbft/cmd/auctiond/consensus"
	"github.com/textileio/auctionbft/signer"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/metric"
)

var log = golog.Logger("auctiond/solver")

// DefaultRetain is the default number of finalized auctions kept in memory.
const DefaultRetain = 64

// ErrNotFinalized indicates the auction isn't known to be finalized.
var ErrNotFinalized = errors.New("auction not finalized")

// maxRandomScore bounds the scores produced by RandomSolution.
var maxRandomScore = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Broadcaster publishes bids to the network and delivers them to the local engine.
type Broadcaster interface {
	PublishBid(ctx context.Context, bid auction.Bid) error
}

// SolutionFunc computes the solver's solution for an auction.
type SolutionFunc func(ctx context.Context, id auction.ID) (*auction.Solution, error)

// RandomSolution returns a solution with a uniformly random score.
func RandomSolution(_ context.Context, _ auction.ID) (*auction.Solution, error) {
	score, err := rand.Int(rand.Reader, maxRandomScore)
	if err != nil {
		return nil, fmt.Errorf("generating score: %v", err)
	}
	return &auction.Solution{Score: score}, nil
}

// Result is a finalized auction.
type Result struct {
	Auction     auction.ID
	Bids        []auction.BidPayload
	FinalizedAt time.Time
}

// FinalizedHandler receives finalized auctions, e.g. for settlement.
type FinalizedHandler func(ctx context.Context, res Result)

// Config defines params for Solver configuration.
type Config struct {
	Signer      *signer.Signer
	Broadcaster Broadcaster
	// Solve defaults to RandomSolution.
	Solve SolutionFunc
	// Retain is the number of finalized auctions kept. Defaults to DefaultRetain.
	Retain int
	// OnFinalized is optional.
	OnFinalized FinalizedHandler
	Clock       clock.Clock
}

// Solver bids in every auction and consumes the finalized results.
type Solver struct {
	signer      *signer.Signer
	net         Broadcaster
	solve       SolutionFunc
	retain      int
	onFinalized FinalizedHandler
	clock       clock.Clock

	results map[auction.ID]Result
	order   []auction.ID
	lk      sync.RWMutex

	// issued holds the signed bid of every auction the solver bid in.
	issued map[auction.ID]auction.Bid
	bidLk  sync.Mutex

	metricBids      metric.Int64Counter
	metricFinalized metric.Int64Counter
	metricBidsCount metric.Int64Histogram

	metricSolveDuration metric.Int64Histogram
}

var _ consensus.Solver = (*Solver)(nil)

// New returns a new Solver.
func New(conf Config) (*Solver, error) {
	if conf.Signer == nil || conf.Broadcaster == nil {
		return nil, errors.New("signer and broadcaster are required")
	}
	if conf.Solve == nil {
		conf.Solve = RandomSolution
	}
	if conf.Retain <= 0 {
		conf.Retain = DefaultRetain
	}
	if conf.Clock == nil {
		conf.Clock = clock.New()
	}
	s := &Solver{
		signer:      conf.Signer,
		net:         conf.Broadcaster,
		solve:       conf.Solve,
		retain:      conf.Retain,
		onFinalized: conf.OnFinalized,
		clock:       conf.Clock,
		results:     make(map[auction.ID]Result),
		issued:      make(map[auction.ID]auction.Bid),
	}
	s.initMetrics()
	log.Infof("running solver %s", s.signer.Address().Hex())
	return s, nil
}

// Bid computes, signs and publishes the solver's bid for the auction.
// A solver bids once per auction: later calls publish the bid issued first.
func (s *Solver) Bid(ctx context.Context, id auction.ID) (err error) {
	defer func() { s.countBid(ctx, err) }()

	bid, fresh, err := s.issue(ctx, id)
	if err != nil {
		return err
	}
	if fresh {
		log.Infof("issuing bid %s", bid.Payload)
	} else {
		log.Infof("republishing bid %s", bid.Payload)
	}
	if err := s.net.PublishBid(ctx, bid); err != nil {
		return fmt.Errorf("publishing bid: %v", err)
	}
	return nil
}

// issue returns the bid for the auction, computing and signing it on the first call.
func (s *Solver) issue(ctx context.Context, id auction.ID) (auction.Bid, bool, error) {
	s.bidLk.Lock()
	defer s.bidLk.Unlock()
	if bid, ok := s.issued[id]; ok {
		return bid, false, nil
	}

	start := s.clock.Now()
	solution, err := s.solve(ctx, id)
	s.recordSolve(ctx, err, start)
	if err != nil {
		return auction.Bid{}, false, fmt.Errorf("solving auction %d: %v", id, err)
	}
	if solution == nil {
		return auction.Bid{}, false, fmt.Errorf("solving auction %d: no solution", id)
	}
	payload := auction.BidPayload{
		Auction:  id,
		Solver:   s.signer.Address(),
		Solution: solution,
	}
	sig, err := s.signer.Sign(payload)
	if err != nil {
		return auction.Bid{}, false, fmt.Errorf("signing bid: %v", err)
	}
	bid := auction.Bid{
		Payload:   payload,
		Signature: sig,
		Timestamp: auction.Timestamp(s.clock.Now()),
	}
	s.issued[id] = bid
	for old := range s.issued {
		if uint64(old)+uint64(s.retain) <= uint64(id) {
			delete(s.issued, old)
		}
	}
	return bid, true, nil
}

// OnAuctionFinalized records the finalized bids and notifies the downstream handler.
func (s *Solver) OnAuctionFinalized(ctx context.Context, id auction.ID, bids []auction.BidPayload) {
	res := Result{
		Auction:     id,
		Bids:        append([]auction.BidPayload(nil), bids...),
		FinalizedAt: s.clock.Now(),
	}
	log.Infof("auction %d is finalized: %v", id, bids)
	s.metricFinalized.Add(ctx, 1)
	s.metricBidsCount.Record(ctx, int64(len(bids)))

	s.lk.Lock()
	if _, ok := s.results[id]; !ok {
		s.order = append(s.order, id)
	}
	s.results[id] = res
	for len(s.order) > s.retain {
		delete(s.results, s.order[0])
		s.order = s.order[1:]
	}
	s.lk.Unlock()

	if s.onFinalized != nil {
		s.onFinalized(ctx, res)
	}
}

// Finalized returns the finalized result of the auction.
func (s *Solver) Finalized(id auction.ID) (Result, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	res, ok := s.results[id]
	if !ok {
		return Result{}, ErrNotFinalized
	}
	return res, nil
}

// LatestFinalized returns the most recently finalized auction.
func (s *Solver) LatestFinalized() (Result, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	if len(s.order) == 0 {
		return Result{}, ErrNotFinalized
	}
	return s.results[s.order[len(s.order)-1]], nil
}
