package registry

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry is a read-only view of a membership set.
// There are separate instances for validators and solvers.
type Registry interface {
	// Addresses returns the current set of members.
	Addresses(ctx context.Context) ([]common.Address, error)
}

// Contains returns whether addr is in members.
func Contains(members []common.Address, addr common.Address) bool {
	for _, m := range members {
		if m == addr {
			return true
		}
	}
	return false
}

// Static is a registry with a fixed, in-memory membership.
// It's used for local networks and tests.
type Static struct {
	members []common.Address
	lk      sync.RWMutex
}

var _ Registry = (*Static)(nil)

// NewStatic returns a new Static registry.
func NewStatic(members ...common.Address) *Static {
	return &Static{members: append([]common.Address(nil), members...)}
}

// ParseStatic returns a new Static registry from hex encoded addresses.
func ParseStatic(hexAddrs []string) (*Static, error) {
	members := make([]common.Address, 0, len(hexAddrs))
	for _, a := range hexAddrs {
		if a == "" {
			continue
		}
		if !common.IsHexAddress(a) {
			return nil, &InvalidAddressError{Addr: a}
		}
		members = append(members, common.HexToAddress(a))
	}
	return NewStatic(members...), nil
}

// Addresses returns a copy of the members.
func (s *Static) Addresses(_ context.Context) ([]common.Address, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return append([]common.Address(nil), s.members...), nil
}

// Set replaces the membership.
func (s *Static) Set(members ...common.Address) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.members = append([]common.Address(nil), members...)
}

// InvalidAddressError is returned when a configured address isn't valid hex.
type InvalidAddressError struct {
	Addr string
}

func (e *InvalidAddressError) Error() string {
	return "invalid address: " + e.Addr
}
