// Package chain submits channel states to the custody contract and waits
// for them to be mined.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// OpKind is the custody contract call an Op maps to.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpResize OpKind = "resize"
	OpClose  OpKind = "close"
)

// Allocation is one destination's share of a channel.
type Allocation struct {
	Destination string
	Token       string
	Amount      string // base units, decimal
}

// State is a channel state as proposed by the clearing node.
type State struct {
	Intent      uint8
	Version     uint64
	Data        string // 0x-prefixed hex
	Allocations []Allocation
}

// Op is one state submission.
type Op struct {
	Kind            OpKind
	ChannelID       string
	State           State
	ServerSignature string
}

// TxHandle identifies a submitted transaction.
type TxHandle struct {
	Kind OpKind
	Hash string
}

// Submitter sends ops to the chain.
type Submitter interface {
	Submit(ctx context.Context, op Op) (TxHandle, error)
	WaitForConfirmation(ctx context.Context, tx TxHandle) error
}

// abiAllocation and abiState mirror the custody contract tuple layout.
type abiAllocation struct {
	Destination common.Address
	Token       common.Address
	Amount      *big.Int
}

type abiState struct {
	Intent      uint8
	Version     *big.Int
	Data        []byte
	Allocations []abiAllocation
}

func toABIState(s State) (abiState, error) {
	out := abiState{
		Intent:      s.Intent,
		Version:     new(big.Int).SetUint64(s.Version),
		Data:        common.FromHex(s.Data),
		Allocations: make([]abiAllocation, 0, len(s.Allocations)),
	}
	for i, a := range s.Allocations {
		if !common.IsHexAddress(a.Destination) || !common.IsHexAddress(a.Token) {
			return abiState{}, fmt.Errorf("chain: allocation %d: bad address: %w", i, domain.ErrChainSubmissionFailed)
		}
		amount, ok := new(big.Int).SetString(a.Amount, 10)
		if !ok || amount.Sign() < 0 {
			return abiState{}, fmt.Errorf("chain: allocation %d: bad amount %q: %w", i, a.Amount, domain.ErrChainSubmissionFailed)
		}
		out.Allocations = append(out.Allocations, abiAllocation{
			Destination: common.HexToAddress(a.Destination),
			Token:       common.HexToAddress(a.Token),
			Amount:      amount,
		})
	}
	return out, nil
}
