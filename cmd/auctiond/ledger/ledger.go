package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"github.com/textileio/auctionbft/auction"
	golog "github.com/textileio/go-log/v2"
)

var (
	log = golog.Logger("auctiond/ledger")

	// ErrConflict indicates a different entry already occupies the slot.
	ErrConflict = errors.New("conflicting entry for slot")

	// ErrPruned indicates the auction is older than the retention horizon.
	ErrPruned = errors.New("auction was pruned")
)

// Ledger is an in-memory index of bids, prevotes and precommits keyed by auction and participant.
// Lookups of slots that were never written return empty results, so messages may arrive in any order.
type Ledger struct {
	auctions map[auction.ID]map[common.Address]*slot
	floor    auction.ID
	lk       sync.RWMutex
}

// slot holds everything known about a single (auction, solver) pair.
type slot struct {
	bid        *auction.Bid
	commitment common.Hash
	prevotes   map[common.Address]auction.VotePayload
	precommits map[common.Address]auction.VotePayload
}

// Stats summarizes the ledger content.
type Stats struct {
	Auctions   int
	Bids       int
	Prevotes   int
	Precommits int
	Oldest     auction.ID
	Newest     auction.ID
}

// New returns a new Ledger.
func New() *Ledger {
	return &Ledger{auctions: make(map[auction.ID]map[common.Address]*slot)}
}

// AddBid inserts bid into its (auction, solver) slot.
// It returns true if the bid was added, and false with a nil error if a commitment-equal
// bid was already stored. ErrConflict is returned if a different bid occupies the slot,
// in which case the stored bid is retained.
// A nil error means the bid is accepted, whether new or a duplicate; the boolean only
// reports whether the ledger changed.
func (l *Ledger) AddBid(bid auction.Bid) (bool, error) {
	commitment, err := auction.Commitment(bid.Payload)
	if err != nil {
		return false, err
	}

	l.lk.Lock()
	defer l.lk.Unlock()
	s, err := l.ensureSlot(bid.Payload.Auction, bid.Payload.Solver)
	if err != nil {
		return false, err
	}
	if s.bid != nil {
		if s.commitment == commitment {
			return false, nil
		}
		return false, fmt.Errorf("%w: bid of %s in auction %d", ErrConflict, bid.Payload.Solver.Hex(), bid.Payload.Auction)
	}
	stored := bid
	s.bid = &stored
	s.commitment = commitment
	return true, nil
}

// GetBid returns the bid stored for (id, solver), if any.
func (l *Ledger) GetBid(id auction.ID, solver common.Address) (auction.Bid, bool) {
	l.lk.RLock()
	defer l.lk.RUnlock()
	s := l.getSlot(id, solver)
	if s == nil || s.bid == nil {
		return auction.Bid{}, false
	}
	return *s.bid, true
}

// AddPrevote inserts the validator's prevote.
// Semantics are the same as AddBid, keyed by (auction, payload solver, validator).
func (l *Ledger) AddPrevote(validator common.Address, payload auction.VotePayload) (bool, error) {
	return l.addVote(validator, payload, func(s *slot) map[common.Address]auction.VotePayload {
		return s.prevotes
	})
}

// AddPrecommit inserts the validator's precommit.
// Semantics are the same as AddBid, keyed by (auction, payload solver, validator).
func (l *Ledger) AddPrecommit(validator common.Address, payload auction.VotePayload) (bool, error) {
	return l.addVote(validator, payload, func(s *slot) map[common.Address]auction.VotePayload {
		return s.precommits
	})
}

// CountPrevotes returns how many stored prevotes attest to the given bid payload.
func (l *Ledger) CountPrevotes(p auction.BidPayload) int {
	return l.countVotes(p, func(s *slot) map[common.Address]auction.VotePayload {
		return s.prevotes
	})
}

// CountPrecommits returns how many stored precommits attest to the given bid payload.
func (l *Ledger) CountPrecommits(p auction.BidPayload) int {
	return l.countVotes(p, func(s *slot) map[common.Address]auction.VotePayload {
		return s.precommits
	})
}

// Prune drops every auction older than before and rejects later writes for them.
// It returns the number of auctions removed.
func (l *Ledger) Prune(before auction.ID) int {
	l.lk.Lock()
	defer l.lk.Unlock()
	if before <= l.floor {
		return 0
	}
	var removed int
	for id := range l.auctions {
		if id < before {
			delete(l.auctions, id)
			removed++
		}
	}
	l.floor = before
	if removed > 0 {
		log.Debugf("pruned %s auctions older than %d", humanize.Comma(int64(removed)), before)
	}
	return removed
}

// Auctions returns the ids of all auctions with stored state, in ascending order.
func (l *Ledger) Auctions() []auction.ID {
	l.lk.RLock()
	defer l.lk.RUnlock()
	ids := make([]auction.ID, 0, len(l.auctions))
	for id := range l.auctions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats returns a summary of the ledger content.
func (l *Ledger) Stats() Stats {
	l.lk.RLock()
	defer l.lk.RUnlock()
	var st Stats
	first := true
	for id, slots := range l.auctions {
		st.Auctions++
		if first || id < st.Oldest {
			st.Oldest = id
		}
		if first || id > st.Newest {
			st.Newest = id
		}
		first = false
		for _, s := range slots {
			if s.bid != nil {
				st.Bids++
			}
			st.Prevotes += len(s.prevotes)
			st.Precommits += len(s.precommits)
		}
	}
	return st
}

func (l *Ledger) addVote(
	validator common.Address,
	payload auction.VotePayload,
	votes func(*slot) map[common.Address]auction.VotePayload,
) (bool, error) {
	l.lk.Lock()
	defer l.lk.Unlock()
	s, err := l.ensureSlot(payload.Auction, payload.Solver)
	if err != nil {
		return false, err
	}
	m := votes(s)
	if existing, ok := m[validator]; ok {
		if existing == payload {
			return false, nil
		}
		return false, fmt.Errorf("%w: vote of %s for %s in auction %d",
			ErrConflict, validator.Hex(), payload.Solver.Hex(), payload.Auction)
	}
	m[validator] = payload
	return true, nil
}

func (l *Ledger) countVotes(p auction.BidPayload, votes func(*slot) map[common.Address]auction.VotePayload) int {
	commitment, err := auction.Commitment(p)
	if err != nil {
		log.Errorf("computing commitment: %v", err)
		return 0
	}

	l.lk.RLock()
	defer l.lk.RUnlock()
	s := l.getSlot(p.Auction, p.Solver)
	if s == nil {
		return 0
	}
	var count int
	for _, v := range votes(s) {
		if v.Commitment == commitment {
			count++
		}
	}
	return count
}

func (l *Ledger) getSlot(id auction.ID, solver common.Address) *slot {
	slots, ok := l.auctions[id]
	if !ok {
		return nil
	}
	return slots[solver]
}

func (l *Ledger) ensureSlot(id auction.ID, solver common.Address) (*slot, error) {
	if id < l.floor {
		return nil, fmt.Errorf("%w: auction %d is older than %d", ErrPruned, id, l.floor)
	}
	slots, ok := l.auctions[id]
	if !ok {
		slots = make(map[common.Address]*slot)
		l.auctions[id] = slots
	}
	s, ok := slots[solver]
	if !ok {
		s = &slot{
			prevotes:   make(map[common.Address]auction.VotePayload),
			precommits: make(map[common.Address]auction.VotePayload),
		}
		slots[solver] = s
	}
	return s, nil
}
