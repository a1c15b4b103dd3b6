package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/textileio/auctionbft/auction"
	"github.com/textileio/auctionbft/cmd/auctiond/consensus"
	"github.com/textileio/auctionbft/cmd/auctiond/ledger"
	"github.com/textileio/auctionbft/cmd/auctiond/protocol"
	"github.com/textileio/auctionbft/cmd/auctiond/schedule"
	"github.com/textileio/auctionbft/cmd/auctiond/solver"
	"github.com/textileio/auctionbft/cmd/auctiond/validator"
	"github.com/textileio/auctionbft/registry"
	"github.com/textileio/auctionbft/signer"
	"github.com/textileio/go-libp2p-pubsub-rpc/finalizer"
	golog "github.com/textileio/go-log/v2"
)

var log = golog.Logger("auctiond/service")

// ErrSolvingDisabled indicates the node was started without the solver role.
var ErrSolvingDisabled = errors.New("solving is disabled")

// DefaultRetainAuctions is the default number of past auctions kept in the ledger.
const DefaultRetainAuctions = 64

// Config defines params for Service configuration.
type Config struct {
	Signer     *signer.Signer
	Validators registry.Registry
	Solvers    registry.Registry
	Transport  protocol.Transport

	// Validate enables voting. Nodes that don't vote still track every auction.
	Validate bool
	// Solve enables bidding with SolutionFunc.
	Solve        bool
	SolutionFunc solver.SolutionFunc
	OnFinalized  solver.FinalizedHandler

	Frequency       time.Duration
	BidOffset       time.Duration
	RetainAuctions  int
	RegistryTimeout time.Duration
	Slasher         consensus.Slasher
	Clock           clock.Clock
}

func (c *Config) setDefaults() {
	if c.Frequency == 0 {
		c.Frequency = auction.Frequency
	}
	if c.BidOffset == 0 {
		c.BidOffset = auction.BidOffset
	}
	if c.RetainAuctions <= 0 {
		c.RetainAuctions = DefaultRetainAuctions
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// Validate ensures Config is valid.
func (c *Config) validate() error {
	if c.Signer == nil {
		return errors.New("signer is required")
	}
	if c.Validators == nil || c.Solvers == nil {
		return errors.New("validator and solver registries are required")
	}
	if c.Transport == nil {
		return errors.New("transport is required")
	}
	if c.BidOffset < 0 || c.BidOffset >= c.Frequency {
		return fmt.Errorf("bid offset %s must be within the auction frequency %s", c.BidOffset, c.Frequency)
	}
	return nil
}

// Service runs the consensus engine and the validator and solver roles of a node.
type Service struct {
	conf      Config
	ledger    *ledger.Ledger
	engine    *consensus.Engine
	protocol  *protocol.Protocol
	validator *validator.Validator
	solver    *solver.Solver
	scheduler *schedule.Scheduler

	ctx       context.Context
	cancel    context.CancelFunc
	finalizer *finalizer.Finalizer
	wg        sync.WaitGroup
	started   bool
	lk        sync.Mutex
}

// New returns a new Service.
func New(conf Config) (*Service, error) {
	conf.setDefaults()
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %v", err)
	}

	fin := finalizer.NewFinalizer()
	ctx, cancel := context.WithCancel(context.Background())
	fin.Add(finalizer.NewContextCloser(cancel))

	l := ledger.New()
	engine, err := consensus.New(consensus.Config{
		Ledger:          l,
		Validators:      conf.Validators,
		Solvers:         conf.Solvers,
		Recoverer:       conf.Signer,
		Slasher:         conf.Slasher,
		RegistryTimeout: conf.RegistryTimeout,
	})
	if err != nil {
		return nil, fin.Cleanupf("creating engine: %v", err)
	}
	proto := protocol.New(conf.Transport, engine)
	fin.Add(proto)

	v, err := validator.New(validator.Config{
		Signer:      conf.Signer,
		Ledger:      l,
		Solvers:     conf.Solvers,
		Broadcaster: proto,
		Engine:      engine,
		Clock:       conf.Clock,
		Passive:     !conf.Validate,
	})
	if err != nil {
		return nil, fin.Cleanupf("creating validator: %v", err)
	}
	sol, err := solver.New(solver.Config{
		Signer:      conf.Signer,
		Broadcaster: proto,
		Solve:       conf.SolutionFunc,
		Retain:      conf.RetainAuctions,
		OnFinalized: conf.OnFinalized,
		Clock:       conf.Clock,
	})
	if err != nil {
		return nil, fin.Cleanupf("creating solver: %v", err)
	}
	if err := engine.Attach(v, sol); err != nil {
		return nil, fin.Cleanupf("attaching roles: %v", err)
	}

	s := &Service{
		conf:      conf,
		ledger:    l,
		engine:    engine,
		protocol:  proto,
		validator: v,
		solver:    sol,
		scheduler: schedule.New(conf.Clock, conf.Frequency),
		ctx:       ctx,
		cancel:    cancel,
		finalizer: fin,
	}
	s.initMetrics()
	return s, nil
}

// Start joins the consensus topics. If scheduling is true, the deadline and bidding jobs
// start running for every auction.
func (s *Service) Start(scheduling bool) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.started {
		return nil
	}
	if err := s.protocol.Start(s.ctx); err != nil {
		return fmt.Errorf("starting protocol: %v", err)
	}
	// Cleanup runs in reverse order, so jobs stop before the transport is closed.
	s.finalizer.Add(&waitCloser{wg: &s.wg})
	s.finalizer.Add(finalizer.NewContextCloser(s.cancel))

	if scheduling {
		s.run(0, s.Deadline)
		if s.conf.Solve {
			s.run(s.conf.BidOffset, s.jobBid)
		}
	}
	s.started = true
	log.Infof("service started for %s (validate: %t, solve: %t)",
		s.conf.Signer.Address().Hex(), s.conf.Validate, s.conf.Solve)
	return nil
}

// Close the service.
func (s *Service) Close() error {
	log.Info("service was shutdown")
	return s.finalizer.Cleanup(nil)
}

// Address returns the node's signer address.
func (s *Service) Address() common.Address {
	return s.conf.Signer.Address()
}

// Ledger returns the node's ledger.
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

// Solver returns the node's solver role.
func (s *Service) Solver() *solver.Solver {
	return s.solver
}

// Finalized returns the finalized result of the auction.
func (s *Service) Finalized(id auction.ID) (solver.Result, error) {
	return s.solver.Finalized(id)
}

// LatestFinalized returns the most recently finalized auction.
func (s *Service) LatestFinalized() (solver.Result, error) {
	return s.solver.LatestFinalized()
}

// LedgerStats returns a summary of the ledger contents.
func (s *Service) LedgerStats() ledger.Stats {
	return s.ledger.Stats()
}

// Deadline runs the vote deadline job for the auction: empty bids are stored
// for missing solvers and the ledger is pruned.
func (s *Service) Deadline(ctx context.Context, id auction.ID) {
	if err := s.validator.Sweep(ctx, id); err != nil {
		log.Errorf("sweeping auction %d: %v", id, err)
	}
	retain := auction.ID(s.conf.RetainAuctions)
	if id >= retain {
		s.ledger.Prune(id - retain + 1)
	}
}

// Bid issues the node's bid for the auction.
func (s *Service) Bid(ctx context.Context, id auction.ID) error {
	if !s.conf.Solve {
		return ErrSolvingDisabled
	}
	return s.solver.Bid(ctx, id)
}

func (s *Service) jobBid(ctx context.Context, id auction.ID) {
	if err := s.solver.Bid(ctx, id); err != nil {
		log.Errorf("bidding in auction %d: %v", id, err)
	}
}

func (s *Service) run(offset time.Duration, job schedule.Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.scheduler.Schedule(s.ctx, offset, job)
	}()
}

type waitCloser struct {
	wg *sync.WaitGroup
}

func (c *waitCloser) Close() error {
	c.wg.Wait()
	return nil
}
