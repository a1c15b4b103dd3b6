package auction

import (
	"fmt"
	"math/big"
	"path"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Topic is the root of all consensus topics.
const Topic string = "/cow/0.0.1"

var (
	// BidsTopic is used by solvers to publish their bids.
	// "/cow/0.0.1/bid".
	BidsTopic = path.Join(Topic, "bid")

	// PrevotesTopic is used by validators to publish first round votes.
	// "/cow/0.0.1/prevote".
	PrevotesTopic = path.Join(Topic, "prevote")

	// PrecommitsTopic is used by validators to publish second round votes.
	// "/cow/0.0.1/precommit".
	PrecommitsTopic = path.Join(Topic, "precommit")
)

const (
	// Frequency is the length of a single auction window.
	Frequency = time.Second * 10

	// BidOffset is how long before the vote deadline solvers issue their bids.
	BidOffset = time.Second * 2
)

// ID identifies an auction. Auction a occupies [a*F, (a+1)*F) milliseconds since epoch.
type ID uint64

// String returns the decimal representation of the id.
func (id ID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// IDAt returns the auction whose window contains t.
func IDAt(t time.Time, frequency time.Duration) ID {
	return ID(t.UnixNano() / int64(frequency))
}

// Start returns the beginning of the auction window.
func (id ID) Start(frequency time.Duration) time.Time {
	return time.Unix(0, int64(id)*int64(frequency))
}

// VoteDeadline returns the end of the auction window.
func (id ID) VoteDeadline(frequency time.Duration) time.Time {
	return time.Unix(0, int64(id+1)*int64(frequency))
}

// BiddingDeadline returns the latest point at which solvers are expected to bid.
func (id ID) BiddingDeadline(frequency, offset time.Duration) time.Time {
	return id.VoteDeadline(frequency).Add(-offset)
}

// Solution is the result a solver computed for an auction.
type Solution struct {
	Score *big.Int
}

// BidPayload is the signed content of a bid.
// A nil Solution marks an empty bid.
type BidPayload struct {
	Auction  ID
	Solver   common.Address
	Solution *Solution `rlp:"nil"`
}

// IsEmpty returns whether the payload is a placeholder for a solver that didn't bid.
func (p BidPayload) IsEmpty() bool {
	return p.Solution == nil
}

// String returns a compact human readable form of the payload.
func (p BidPayload) String() string {
	if p.IsEmpty() || p.Solution.Score == nil {
		return fmt.Sprintf("{auction: %d, solver: %s, solution: empty}", p.Auction, p.Solver.Hex())
	}
	return fmt.Sprintf("{auction: %d, solver: %s, score: %s}", p.Auction, p.Solver.Hex(), p.Solution.Score)
}

// Bid defines the core bid model.
type Bid struct {
	Payload   BidPayload
	Signature []byte
	Timestamp uint64
}

// NewEmptyBid returns an unsigned placeholder bid for solver.
func NewEmptyBid(id ID, solver common.Address, now time.Time) Bid {
	return Bid{
		Payload:   BidPayload{Auction: id, Solver: solver},
		Timestamp: Timestamp(now),
	}
}

// VotePayload is the signed content of both prevotes and precommits.
type VotePayload struct {
	Auction    ID
	Solver     common.Address
	Commitment common.Hash
}

// String returns a compact human readable form of the payload.
func (p VotePayload) String() string {
	return fmt.Sprintf("{auction: %d, solver: %s, commitment: %s}",
		p.Auction, p.Solver.Hex(), p.Commitment.TerminalString())
}

// Prevote is a validator's first round attestation of a bid.
type Prevote struct {
	Payload   VotePayload
	Signature []byte
	Timestamp uint64
}

// Precommit is a validator's second round attestation of a bid.
type Precommit struct {
	Payload   VotePayload
	Signature []byte
	Timestamp uint64
}

// Timestamp returns t as milliseconds since epoch.
func Timestamp(t time.Time) uint64 {
	return uint64(t.UnixNano() / int64(time.Millisecond))
}
