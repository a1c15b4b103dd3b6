package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// MembershipABI is the ABI of the on-chain registry contract.
const MembershipABI = "[{\"inputs\":[],\"name\":\"getAddresses\",\"outputs\":[{\"internalType\":\"address[]\",\"name\":\"\",\"type\":\"address[]\"}],\"stateMutability\":\"view\",\"type\":\"function\"}]"

// Contract is a registry backed by an on-chain contract that manages the current set of participants.
type Contract struct {
	address  common.Address
	contract *bind.BoundContract
}

var _ Registry = (*Contract)(nil)

// NewContract creates a new read-only binding of the registry contract deployed at address.
func NewContract(address common.Address, caller bind.ContractCaller) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(MembershipABI))
	if err != nil {
		return nil, fmt.Errorf("parsing abi: %v", err)
	}
	contract := bind.NewBoundContract(address, parsed, caller, nil, nil)
	return &Contract{address: address, contract: contract}, nil
}

// Addresses retrieves the current set of participants.
//
// Solidity: function getAddresses() view returns(address[])
func (c *Contract) Addresses(ctx context.Context) ([]common.Address, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAddresses")
	if err != nil {
		return nil, fmt.Errorf("calling getAddresses on %s: %v", c.address.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("calling getAddresses on %s: empty result", c.address.Hex())
	}
	members := *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address)
	return members, nil
}
