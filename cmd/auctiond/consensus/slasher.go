package consensus

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/textileio/auctionbft/auction"
)

// Evidence describes a participant that sent two different entries for the same slot.
type Evidence struct {
	Kind     auction.Kind
	Offender common.Address
	Auction  auction.ID
	Solver   common.Address
	Err      error
}

// String returns a human readable form of the evidence.
func (ev Evidence) String() string {
	return fmt.Sprintf("{kind: %s, offender: %s, auction: %d, solver: %s}",
		ev.Kind, ev.Offender.Hex(), ev.Auction, ev.Solver.Hex())
}

// Slasher receives evidence of misbehavior.
type Slasher interface {
	Report(ctx context.Context, ev Evidence)
}

// LogSlasher only logs the evidence it receives.
type LogSlasher struct{}

var _ Slasher = LogSlasher{}

// Report implements Slasher.
func (LogSlasher) Report(_ context.Context, ev Evidence) {
	log.Warnf("misbehavior evidence %s: %v", ev, ev.Err)
}
