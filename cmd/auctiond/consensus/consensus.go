package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/textileio/auctionbft/auction"
	"github.com/textileio/auctionbft/cmd/auctiond/ledger"
	"github.com/textileio/auctionbft/registry"
	"github.com/textileio/auctionbft/signer"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/metric"
)

var (
	log = golog.Logger("auctiond/consensus")

	// ErrUnauthenticated indicates the signature doesn't recover to the claimed author.
	ErrUnauthenticated = errors.New("unauthenticated message")

	// ErrUnauthorized indicates the author isn't a member of the relevant registry.
	ErrUnauthorized = errors.New("unauthorized message")

	// ErrAlreadyAttached indicates roles were already attached to the engine.
	ErrAlreadyAttached = errors.New("roles already attached")
)

// DefaultRegistryTimeout bounds registry lookups made while handling a message.
const DefaultRegistryTimeout = time.Second * 5

// Validator reacts to phase transitions with votes.
type Validator interface {
	// OnBid is called once a bid is stored for the first time.
	OnBid(ctx context.Context, bid auction.Bid)
	// OnPrevoteQuorum is called once the prevotes for a bid reach quorum.
	OnPrevoteQuorum(ctx context.Context, payload auction.VotePayload)
}

// Solver consumes finalized auctions.
type Solver interface {
	// OnAuctionFinalized is called once every registered solver's bid is committed.
	// bids follows the order of the solver registry.
	OnAuctionFinalized(ctx context.Context, id auction.ID, bids []auction.BidPayload)
}

// Config defines params for Engine configuration.
type Config struct {
	Ledger     *ledger.Ledger
	Validators registry.Registry
	Solvers    registry.Registry
	Recoverer  signer.Recoverer
	// Slasher receives evidence of equivocation. Defaults to LogSlasher.
	Slasher Slasher
	// RegistryTimeout bounds registry lookups. Defaults to DefaultRegistryTimeout.
	RegistryTimeout time.Duration
}

// Engine verifies inbound consensus messages, records them in the ledger,
// and detects when matching votes for a bid reach quorum.
type Engine struct {
	ledger          *ledger.Ledger
	validators      registry.Registry
	solvers         registry.Registry
	recoverer       signer.Recoverer
	slasher         Slasher
	registryTimeout time.Duration

	// lk serializes ledger inserts with the quorum decisions they cause.
	lk sync.Mutex
	// quorums counts quorum events per kind. Guarded by lk.
	quorums map[auction.Kind]int

	rolesLk   sync.RWMutex
	attached  bool
	validator Validator
	solver    Solver

	metricReceived  metric.Int64Counter
	metricDropped   metric.Int64Counter
	metricQuorums   metric.Int64Counter
	metricFinalized metric.Int64Counter
	metricConflicts metric.Int64Counter
}

// New returns a new Engine.
func New(conf Config) (*Engine, error) {
	if conf.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if conf.Validators == nil || conf.Solvers == nil {
		return nil, errors.New("validator and solver registries are required")
	}
	if conf.Recoverer == nil {
		return nil, errors.New("recoverer is required")
	}
	if conf.Slasher == nil {
		conf.Slasher = LogSlasher{}
	}
	if conf.RegistryTimeout <= 0 {
		conf.RegistryTimeout = DefaultRegistryTimeout
	}
	e := &Engine{
		ledger:          conf.Ledger,
		validators:      conf.Validators,
		solvers:         conf.Solvers,
		recoverer:       conf.Recoverer,
		slasher:         conf.Slasher,
		registryTimeout: conf.RegistryTimeout,
		quorums:         make(map[auction.Kind]int),
		validator:       noopValidator{},
		solver:          noopSolver{},
	}
	e.initMetrics()
	return e, nil
}

// Attach sets the roles notified by the engine. It may only be called once.
// A nil role is replaced by one that ignores notifications.
func (e *Engine) Attach(v Validator, s Solver) error {
	e.rolesLk.Lock()
	defer e.rolesLk.Unlock()
	if e.attached {
		return ErrAlreadyAttached
	}
	if v != nil {
		e.validator = v
	}
	if s != nil {
		e.solver = s
	}
	e.attached = true
	return nil
}

// Ledger returns the ledger backing the engine.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// OnBid handles a bid received from the network or issued locally.
func (e *Engine) OnBid(ctx context.Context, bid auction.Bid) (err error) {
	defer func() { e.observe(ctx, auction.KindBid, err) }()

	author, err := e.recoverer.Recover(bid.Payload, bid.Signature)
	if err != nil {
		log.Errorf("dropping bid %s: %v", bid.Payload, err)
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if author != bid.Payload.Solver {
		log.Errorf("dropping bid %s signed by %s", bid.Payload, author.Hex())
		return fmt.Errorf("%w: bid for %s signed by %s", ErrUnauthenticated, bid.Payload.Solver.Hex(), author.Hex())
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	if !registry.Contains(snap.solvers, author) {
		log.Debugf("dropping bid from unregistered solver %s", author.Hex())
		return fmt.Errorf("%w: solver %s", ErrUnauthorized, author.Hex())
	}
	return e.storeBid(ctx, bid, snap, false)
}

// SubmitEmptyBid stores a locally synthesized empty bid, skipping signature checks.
// It otherwise behaves like a received bid.
func (e *Engine) SubmitEmptyBid(ctx context.Context, bid auction.Bid) error {
	if !bid.Payload.IsEmpty() {
		return fmt.Errorf("bid %s isn't empty", bid.Payload)
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	return e.storeBid(ctx, bid, snap, true)
}

// OnPrevote handles a prevote received from the network or issued locally.
func (e *Engine) OnPrevote(ctx context.Context, prevote auction.Prevote) (err error) {
	defer func() { e.observe(ctx, auction.KindPrevote, err) }()
	return e.onVote(ctx, auction.KindPrevote, prevote.Payload, auction.PrevoteSigning(prevote.Payload), prevote.Signature)
}

// OnPrecommit handles a precommit received from the network or issued locally.
func (e *Engine) OnPrecommit(ctx context.Context, precommit auction.Precommit) (err error) {
	defer func() { e.observe(ctx, auction.KindPrecommit, err) }()
	return e.onVote(ctx, auction.KindPrecommit, precommit.Payload,
		auction.PrecommitSigning(precommit.Payload), precommit.Signature)
}

type snapshot struct {
	validators []common.Address
	solvers    []common.Address
}

func (s snapshot) quorum() int {
	return auction.QuorumSize(len(s.validators))
}

// budgeted is implemented by registries that retry internally, e.g. registry.Retrying.
type budgeted interface {
	Budget() time.Duration
}

// snapshot reads both registries at call time.
func (e *Engine) snapshot(ctx context.Context) (snapshot, error) {
	validators, err := e.lookup(ctx, e.validators)
	if err != nil {
		log.Errorf("getting validators: %v", err)
		return snapshot{}, fmt.Errorf("getting validators: %v", err)
	}
	solvers, err := e.lookup(ctx, e.solvers)
	if err != nil {
		log.Errorf("getting solvers: %v", err)
		return snapshot{}, fmt.Errorf("getting solvers: %v", err)
	}
	return snapshot{validators: validators, solvers: solvers}, nil
}

// lookup bounds a registry read by the registry timeout, extended to the registry's
// own retry budget when it has one.
func (e *Engine) lookup(ctx context.Context, reg registry.Registry) ([]common.Address, error) {
	timeout := e.registryTimeout
	if b, ok := reg.(budgeted); ok && b.Budget() > timeout {
		timeout = b.Budget()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return reg.Addresses(ctx)
}

// outcome collects the notifications decided under the engine lock.
type outcome struct {
	bid           *auction.Bid
	prevoteQuorum *auction.VotePayload
	finalized     []auction.BidPayload
	finalizedID   auction.ID
}

func (e *Engine) storeBid(ctx context.Context, bid auction.Bid, snap snapshot, local bool) error {
	e.lk.Lock()
	added, err := e.ledger.AddBid(bid)
	if err != nil {
		stored, _ := e.ledger.GetBid(bid.Payload.Auction, bid.Payload.Solver)
		e.lk.Unlock()
		return e.bidConflict(ctx, bid, stored, local, err)
	}
	if !added {
		e.lk.Unlock()
		return nil
	}

	out := outcome{bid: &bid}
	if q := snap.quorum(); q > 0 {
		// Votes may have arrived before the bid.
		if e.ledger.CountPrevotes(bid.Payload) >= q {
			vote := voteFor(bid.Payload)
			out.prevoteQuorum = &vote
			e.quorumReached(ctx, auction.KindPrevote)
			log.Debugf("prevote quorum for %s reached before its bid arrived", bid.Payload)
		}
		if e.ledger.CountPrecommits(bid.Payload) >= q {
			e.quorumReached(ctx, auction.KindPrecommit)
			log.Debugf("precommit quorum for %s reached before its bid arrived", bid.Payload)
		}
		e.checkFinalized(bid.Payload.Auction, snap, &out)
	}
	e.lk.Unlock()

	e.dispatch(ctx, out)
	return nil
}

func (e *Engine) bidConflict(ctx context.Context, bid, stored auction.Bid, local bool, err error) error {
	if !errors.Is(err, ledger.ErrConflict) {
		log.Errorf("storing bid %s: %v", bid.Payload, err)
		return err
	}
	e.metricConflicts.Add(ctx, 1, kindAttr(auction.KindBid))
	switch {
	case local:
		log.Debugf("solver %s already has a bid in auction %d", bid.Payload.Solver.Hex(), bid.Payload.Auction)
		return nil
	case stored.Payload.IsEmpty():
		log.Warnf("bid %s arrived after the empty bid placeholder", bid.Payload)
	default:
		log.Errorf("dropping conflicting bid %s: %v", bid.Payload, err)
		e.slasher.Report(ctx, Evidence{
			Kind:     auction.KindBid,
			Offender: bid.Payload.Solver,
			Auction:  bid.Payload.Auction,
			Solver:   bid.Payload.Solver,
			Err:      err,
		})
	}
	return err
}

func (e *Engine) onVote(
	ctx context.Context,
	kind auction.Kind,
	payload auction.VotePayload,
	signable auction.Signable,
	signature []byte,
) error {
	author, err := e.recoverer.Recover(signable, signature)
	if err != nil {
		log.Errorf("dropping %s %s: %v", kind, payload, err)
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	if !registry.Contains(snap.validators, author) {
		log.Debugf("dropping %s from unregistered validator %s", kind, author.Hex())
		return fmt.Errorf("%w: validator %s", ErrUnauthorized, author.Hex())
	}

	e.lk.Lock()
	var added bool
	if kind == auction.KindPrevote {
		added, err = e.ledger.AddPrevote(author, payload)
	} else {
		added, err = e.ledger.AddPrecommit(author, payload)
	}
	if err != nil {
		e.lk.Unlock()
		return e.voteConflict(ctx, kind, author, payload, err)
	}
	if !added {
		e.lk.Unlock()
		return nil
	}

	bid, ok := e.ledger.GetBid(payload.Auction, payload.Solver)
	if !ok || auction.MustCommitment(bid.Payload) != payload.Commitment {
		e.lk.Unlock()
		return nil
	}
	var count int
	if kind == auction.KindPrevote {
		count = e.ledger.CountPrevotes(bid.Payload)
	} else {
		count = e.ledger.CountPrecommits(bid.Payload)
	}
	var out outcome
	if count == snap.quorum() {
		log.Debugf("%s quorum of %d reached for %s", kind, count, payload)
		e.quorumReached(ctx, kind)
		if kind == auction.KindPrevote {
			out.prevoteQuorum = &payload
		}
		e.checkFinalized(payload.Auction, snap, &out)
	}
	e.lk.Unlock()

	e.dispatch(ctx, out)
	return nil
}

func (e *Engine) voteConflict(
	ctx context.Context,
	kind auction.Kind,
	author common.Address,
	payload auction.VotePayload,
	err error,
) error {
	if !errors.Is(err, ledger.ErrConflict) {
		log.Errorf("storing %s %s: %v", kind, payload, err)
		return err
	}
	e.metricConflicts.Add(ctx, 1, kindAttr(kind))
	log.Errorf("dropping conflicting %s %s from %s: %v", kind, payload, author.Hex(), err)
	e.slasher.Report(ctx, Evidence{
		Kind:     kind,
		Offender: author,
		Auction:  payload.Auction,
		Solver:   payload.Solver,
		Err:      err,
	})
	return err
}

// checkFinalized requires a bid with prevote and precommit quorums for every registered solver.
// Callers must hold e.lk.
func (e *Engine) checkFinalized(id auction.ID, snap snapshot, out *outcome) {
	q := snap.quorum()
	if q == 0 || len(snap.solvers) == 0 {
		return
	}
	bids := make([]auction.BidPayload, 0, len(snap.solvers))
	for _, s := range snap.solvers {
		bid, ok := e.ledger.GetBid(id, s)
		if !ok {
			return
		}
		if e.ledger.CountPrevotes(bid.Payload) < q || e.ledger.CountPrecommits(bid.Payload) < q {
			return
		}
		bids = append(bids, bid.Payload)
	}
	out.finalized = bids
	out.finalizedID = id
}

// dispatch notifies the roles without holding e.lk, so they may re-enter the engine.
func (e *Engine) dispatch(ctx context.Context, out outcome) {
	e.rolesLk.RLock()
	v, s := e.validator, e.solver
	e.rolesLk.RUnlock()

	if out.bid != nil {
		v.OnBid(ctx, *out.bid)
	}
	if out.prevoteQuorum != nil {
		v.OnPrevoteQuorum(ctx, *out.prevoteQuorum)
	}
	if out.finalized != nil {
		log.Infof("auction %d finalized with %d bids", out.finalizedID, len(out.finalized))
		e.metricFinalized.Add(ctx, 1)
		s.OnAuctionFinalized(ctx, out.finalizedID, out.finalized)
	}
}

func voteFor(p auction.BidPayload) auction.VotePayload {
	return auction.VotePayload{
		Auction:    p.Auction,
		Solver:     p.Solver,
		Commitment: auction.MustCommitment(p),
	}
}

type noopValidator struct{}

func (noopValidator) OnBid(context.Context, auction.Bid)                   {}
func (noopValidator) OnPrevoteQuorum(context.Context, auction.VotePayload) {}

type noopSolver struct{}

func (noopSolver) OnAuctionFinalized(context.Context, auction.ID, []auction.BidPayload) {}
