package auction

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Kind distinguishes the three signed message types.
type Kind string

const (
	// KindBid is the signing domain of bids.
	KindBid Kind = "bid"
	// KindPrevote is the signing domain of prevotes.
	KindPrevote Kind = "prevote"
	// KindPrecommit is the signing domain of precommits.
	KindPrecommit Kind = "precommit"
)

// Signable is implemented by every payload that can be signed.
type Signable interface {
	SigningBytes() ([]byte, error)
}

// Commitment returns the content hash of the payload's canonical encoding.
// Two payloads are equal iff their commitments are equal.
func Commitment(p BidPayload) (common.Hash, error) {
	b, err := rlp.EncodeToBytes(&p)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encoding bid payload: %v", err)
	}
	return crypto.Keccak256Hash(b), nil
}

// MustCommitment is like Commitment but panics on encoding errors.
// BidPayload only holds rlp-encodable fields so this never panics for values built by this package.
func MustCommitment(p BidPayload) common.Hash {
	h, err := Commitment(p)
	if err != nil {
		panic(err)
	}
	return h
}

// SigningBytes returns the domain separated bytes a solver signs.
func (p BidPayload) SigningBytes() ([]byte, error) {
	return signingBytes(KindBid, &p)
}

// PrevoteSigning wraps a payload so it is signed in the prevote domain.
type PrevoteSigning VotePayload

// SigningBytes returns the domain separated bytes a validator signs for a prevote.
func (p PrevoteSigning) SigningBytes() ([]byte, error) {
	v := VotePayload(p)
	return signingBytes(KindPrevote, &v)
}

// PrecommitSigning wraps a payload so it is signed in the precommit domain.
type PrecommitSigning VotePayload

// SigningBytes returns the domain separated bytes a validator signs for a precommit.
func (p PrecommitSigning) SigningBytes() ([]byte, error) {
	v := VotePayload(p)
	return signingBytes(KindPrecommit, &v)
}

func signingBytes(kind Kind, payload interface{}) ([]byte, error) {
	b, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %v", kind, err)
	}
	return append([]byte(kind+":"), b...), nil
}

// QuorumSize returns ceil(2n/3), the number of matching votes needed out of n registry members.
func QuorumSize(n int) int {
	if n <= 0 {
		return 0
	}
	return (2*n + 2) / 3
}

// Marshal returns the wire encoding of a bid, prevote or precommit.
func Marshal(msg interface{}) ([]byte, error) {
	switch msg.(type) {
	case *Bid, *Prevote, *Precommit, Bid, Prevote, Precommit:
	default:
		return nil, fmt.Errorf("unsupported message type %T", msg)
	}
	return rlp.EncodeToBytes(msg)
}

// UnmarshalBid decodes a wire encoded bid.
func UnmarshalBid(data []byte) (Bid, error) {
	var b Bid
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return Bid{}, fmt.Errorf("decoding bid: %v", err)
	}
	return b, nil
}

// UnmarshalPrevote decodes a wire encoded prevote.
func UnmarshalPrevote(data []byte) (Prevote, error) {
	var p Prevote
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return Prevote{}, fmt.Errorf("decoding prevote: %v", err)
	}
	return p, nil
}

// UnmarshalPrecommit decodes a wire encoded precommit.
func UnmarshalPrecommit(data []byte) (Precommit, error) {
	var p Precommit
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return Precommit{}, fmt.Errorf("decoding precommit: %v", err)
	}
	return p, nil
}
