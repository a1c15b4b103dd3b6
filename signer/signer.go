package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/textileio/auctionbft/auction"
	golog "github.com/textileio/go-log/v2"
)

var log = golog.Logger("signer")

// ErrInvalidSignature indicates a signature could not be recovered to a public key.
var ErrInvalidSignature = errors.New("invalid signature")

// Recoverer recovers the address that signed a payload.
type Recoverer interface {
	Recover(payload auction.Signable, signature []byte) (common.Address, error)
}

// Signer signs consensus payloads with a secp256k1 key using Ethereum personal message hashing.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

var _ Recoverer = (*Signer)(nil)

// New returns a new Signer for the given private key.
func New(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// FromHex returns a new Signer from a hex encoded private key, with or without 0x prefix.
func FromHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %v", err)
	}
	return New(key), nil
}

// Generate returns a Signer backed by a fresh random key.
func Generate() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key: %v", err)
	}
	return New(key), nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.addr
}

// PrivateKey returns the underlying key.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

// Sign returns a 65 byte [R || S || V] signature over the payload's signing bytes.
func (s *Signer) Sign(payload auction.Signable) ([]byte, error) {
	msg, err := payload.SigningBytes()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(signHash(msg), s.key)
	if err != nil {
		return nil, fmt.Errorf("signing: %v", err)
	}
	return sig, nil
}

// Recover returns the address that produced signature over payload.
func (s *Signer) Recover(payload auction.Signable, signature []byte) (common.Address, error) {
	return Recover(payload, signature)
}

// Recover returns the address that produced signature over payload.
func Recover(payload auction.Signable, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(signature))
	}
	msg, err := payload.SigningBytes()
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(signHash(msg), signature)
	if err != nil {
		log.Debugf("recovering public key: %v", err)
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// signHash is a helper function that calculates a hash for the given message that can be
// safely used to calculate a signature from.
//
// The hash is calculated as
//   keccak256("\x19Ethereum Signed Message:\n"${message length}${message}).
func signHash(data []byte) []byte {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	return crypto.Keccak256([]byte(msg))
}
