package protocol_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/textileio/auctionbft/auction"
	"github.com/textileio/auctionbft/cmd/auctiond/protocol"
	"github.com/textileio/auctionbft/cmd/auctiond/protocol/localbus"
)

var solver = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestPublishDeliversEverywhere(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := localbus.New()
	e1, e2 := &mockEngine{}, &mockEngine{}
	p1 := protocol.New(bus.Transport("node1"), e1)
	p2 := protocol.New(bus.Transport("node2"), e2)
	require.NoError(t, p1.Start(ctx))
	require.NoError(t, p2.Start(ctx))
	defer func() {
		require.NoError(t, p1.Close())
		require.NoError(t, p2.Close())
	}()

	bid := auction.Bid{
		Payload:   auction.BidPayload{Auction: 1, Solver: solver, Solution: &auction.Solution{Score: big.NewInt(5)}},
		Signature: []byte{1},
		Timestamp: 10,
	}
	matchesBid := mock.MatchedBy(func(b auction.Bid) bool {
		return auction.MustCommitment(b.Payload) == auction.MustCommitment(bid.Payload)
	})
	e1.On("OnBid", mock.Anything, matchesBid).Return(nil).Once()
	e2.On("OnBid", mock.Anything, matchesBid).Return(nil).Once()

	require.NoError(t, p1.PublishBid(ctx, bid))
	// Local delivery is synchronous.
	e1.AssertNumberOfCalls(t, "OnBid", 1)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, bus.Wait(waitCtx))
	e1.AssertExpectations(t)
	e2.AssertExpectations(t)

	vote := auction.VotePayload{Auction: 1, Solver: solver, Commitment: auction.MustCommitment(bid.Payload)}
	e1.On("OnPrevote", mock.Anything, auction.Prevote{Payload: vote, Signature: []byte{2}}).Return(nil).Once()
	e2.On("OnPrevote", mock.Anything, auction.Prevote{Payload: vote, Signature: []byte{2}}).Return(nil).Once()
	require.NoError(t, p2.PublishPrevote(ctx, auction.Prevote{Payload: vote, Signature: []byte{2}}))

	e1.On("OnPrecommit", mock.Anything, auction.Precommit{Payload: vote, Signature: []byte{3}}).Return(nil).Once()
	e2.On("OnPrecommit", mock.Anything, auction.Precommit{Payload: vote, Signature: []byte{3}}).Return(nil).Once()
	require.NoError(t, p2.PublishPrecommit(ctx, auction.Precommit{Payload: vote, Signature: []byte{3}}))

	require.NoError(t, bus.Wait(waitCtx))
	e1.AssertExpectations(t)
	e2.AssertExpectations(t)
}

func TestPublishBeforeStart(t *testing.T) {
	t.Parallel()
	e := &mockEngine{}
	p := protocol.New(localbus.New().Transport("node"), e)
	prevote := auction.Prevote{Payload: auction.VotePayload{Auction: 2, Solver: solver}}
	e.On("OnPrevote", mock.Anything, prevote).Return(nil).Once()

	require.ErrorIs(t, p.PublishPrevote(context.Background(), prevote), protocol.ErrNotStarted)
	e.AssertExpectations(t)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := localbus.New()
	raw := bus.Transport("raw")
	require.NoError(t, raw.Join(ctx, auction.BidsTopic, func(context.Context, peer.ID, []byte) error { return nil }))

	e := &mockEngine{}
	p := protocol.New(bus.Transport("node"), e)
	require.NoError(t, p.Start(ctx))

	require.NoError(t, raw.Publish(ctx, auction.BidsTopic, []byte("not rlp")))
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, bus.Wait(waitCtx))
	e.AssertNotCalled(t, "OnBid", mock.Anything, mock.Anything)
}

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) OnBid(ctx context.Context, bid auction.Bid) error {
	args := m.Called(ctx, bid)
	return args.Error(0)
}

func (m *mockEngine) OnPrevote(ctx context.Context, prevote auction.Prevote) error {
	args := m.Called(ctx, prevote)
	return args.Error(0)
}

func (m *mockEngine) OnPrecommit(ctx context.Context, precommit auction.Precommit) error {
	args := m.Called(ctx, precommit)
	return args.Error(0)
}
