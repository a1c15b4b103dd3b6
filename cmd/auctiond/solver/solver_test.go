package solver

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/textileio/auctionbft/auction"
	"github.com/textileio/auctionbft/cmd/auctiond/consensus"
	"github.com/textileio/auctionbft/cmd/auctiond/ledger"
	"github.com/textileio/auctionbft/registry"
	"github.com/textileio/auctionbft/signer"
)

func TestBid(t *testing.T) {
	t.Parallel()
	net := &mockBroadcaster{}
	s := newSolver(t, net, func(_ context.Context, id auction.ID) (*auction.Solution, error) {
		return &auction.Solution{Score: big.NewInt(int64(id) * 10)}, nil
	})

	net.On("PublishBid", mock.Anything, mock.Anything).Return(nil).Once()
	require.NoError(t, s.Bid(context.Background(), 7))
	net.AssertExpectations(t)

	bid := net.Calls[0].Arguments.Get(1).(auction.Bid)
	require.Equal(t, auction.ID(7), bid.Payload.Auction)
	require.Equal(t, s.signer.Address(), bid.Payload.Solver)
	require.Equal(t, 0, bid.Payload.Solution.Score.Cmp(big.NewInt(70)))

	author, err := signer.Recover(bid.Payload, bid.Signature)
	require.NoError(t, err)
	require.Equal(t, s.signer.Address(), author)
}

func TestBidOncePerAuction(t *testing.T) {
	t.Parallel()
	net := &mockBroadcaster{}
	var solved int
	s := newSolver(t, net, func(context.Context, auction.ID) (*auction.Solution, error) {
		solved++
		return &auction.Solution{Score: big.NewInt(int64(solved))}, nil
	})
	net.On("PublishBid", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, s.Bid(context.Background(), 5))
	require.NoError(t, s.Bid(context.Background(), 5))
	require.Equal(t, 1, solved)
	net.AssertNumberOfCalls(t, "PublishBid", 2)
	first := net.Calls[0].Arguments.Get(1).(auction.Bid)
	second := net.Calls[1].Arguments.Get(1).(auction.Bid)
	require.Equal(t, auction.MustCommitment(first.Payload), auction.MustCommitment(second.Payload))
	require.Equal(t, first.Signature, second.Signature)

	// Another auction gets a fresh solution.
	require.NoError(t, s.Bid(context.Background(), 6))
	require.Equal(t, 2, solved)
}

func TestRepeatedBidIsNotEquivocation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sk, err := signer.Generate()
	require.NoError(t, err)
	validator, err := signer.Generate()
	require.NoError(t, err)

	slasher := &recordingSlasher{}
	engine, err := consensus.New(consensus.Config{
		Ledger:     ledger.New(),
		Validators: registry.NewStatic(validator.Address()),
		Solvers:    registry.NewStatic(sk.Address()),
		Recoverer:  validator,
		Slasher:    slasher,
	})
	require.NoError(t, err)

	sol, err := New(Config{Signer: sk, Broadcaster: engineBroadcaster{engine}})
	require.NoError(t, err)
	require.NoError(t, sol.Bid(ctx, 5))
	require.NoError(t, sol.Bid(ctx, 5))

	require.Empty(t, slasher.evidence)
	_, ok := engine.Ledger().GetBid(5, sk.Address())
	require.True(t, ok)
}

func TestBidFailures(t *testing.T) {
	t.Parallel()
	net := &mockBroadcaster{}
	s := newSolver(t, net, func(context.Context, auction.ID) (*auction.Solution, error) {
		return nil, errors.New("timeout")
	})
	require.Error(t, s.Bid(context.Background(), 1))
	net.AssertNotCalled(t, "PublishBid", mock.Anything, mock.Anything)

	s = newSolver(t, net, nil)
	net.On("PublishBid", mock.Anything, mock.Anything).Return(errors.New("no peers")).Once()
	require.Error(t, s.Bid(context.Background(), 1))

	// A failed publish is retried with the same bid.
	net.On("PublishBid", mock.Anything, mock.Anything).Return(nil).Once()
	require.NoError(t, s.Bid(context.Background(), 1))
	failed := net.Calls[0].Arguments.Get(1).(auction.Bid)
	retried := net.Calls[1].Arguments.Get(1).(auction.Bid)
	require.Equal(t, failed.Signature, retried.Signature)
}

func TestRandomSolution(t *testing.T) {
	t.Parallel()
	a, err := RandomSolution(context.Background(), 1)
	require.NoError(t, err)
	b, err := RandomSolution(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, a.Score)
	require.True(t, a.Score.Cmp(maxRandomScore) < 0)
	require.NotEqual(t, 0, a.Score.Cmp(b.Score))
}

func TestOnAuctionFinalized(t *testing.T) {
	t.Parallel()
	s, err := signer.Generate()
	require.NoError(t, err)

	var notified []Result
	sol, err := New(Config{
		Signer:      s,
		Broadcaster: &mockBroadcaster{},
		Retain:      2,
		OnFinalized: func(_ context.Context, res Result) {
			notified = append(notified, res)
		},
	})
	require.NoError(t, err)

	_, err = sol.LatestFinalized()
	require.ErrorIs(t, err, ErrNotFinalized)

	for id := auction.ID(1); id <= 3; id++ {
		sol.OnAuctionFinalized(context.Background(), id, []auction.BidPayload{{Auction: id, Solver: s.Address()}})
	}
	require.Len(t, notified, 3)

	_, err = sol.Finalized(1)
	require.ErrorIs(t, err, ErrNotFinalized)
	res, err := sol.Finalized(2)
	require.NoError(t, err)
	require.Equal(t, auction.ID(2), res.Auction)
	require.Len(t, res.Bids, 1)

	latest, err := sol.LatestFinalized()
	require.NoError(t, err)
	require.Equal(t, auction.ID(3), latest.Auction)
}

func newSolver(t *testing.T, net Broadcaster, solve SolutionFunc) *Solver {
	s, err := signer.Generate()
	require.NoError(t, err)
	sol, err := New(Config{Signer: s, Broadcaster: net, Solve: solve})
	require.NoError(t, err)
	return sol
}

type mockBroadcaster struct {
	mock.Mock
}

func (m *mockBroadcaster) PublishBid(ctx context.Context, bid auction.Bid) error {
	args := m.Called(ctx, bid)
	return args.Error(0)
}

type engineBroadcaster struct {
	engine *consensus.Engine
}

func (b engineBroadcaster) PublishBid(ctx context.Context, bid auction.Bid) error {
	return b.engine.OnBid(ctx, bid)
}

type recordingSlasher struct {
	evidence []consensus.Evidence
}

func (s *recordingSlasher) Report(_ context.Context, ev consensus.Evidence) {
	s.evidence = append(s.evidence, ev)
}
