// Package chain reads Uniswap-V2 style pair contracts over JSON-RPC.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrDecode marks contract output that could not be decoded.
var ErrDecode = errors.New("decode contract output")

const pairABIJSON = `[
  {"inputs":[],"name":"getReserves","outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"token1","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// PairABI is the subset of the Uniswap-V2 pair interface the monitor calls.
var PairABI = mustParseABI(pairABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("parse pair abi: %v", err))
	}
	return parsed
}

// Pair is a read-only binding to one pair contract.
type Pair struct {
	caller  ethereum.ContractCaller
	address common.Address
}

func NewPair(caller ethereum.ContractCaller, address common.Address) *Pair {
	return &Pair{caller: caller, address: address}
}

func (p *Pair) Address() common.Address { return p.address }

func (p *Pair) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := PairABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := p.caller.CallContract(ctx, ethereum.CallMsg{To: &p.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, p.address.Hex(), err)
	}
	vals, err := PairABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s on %s: %v", ErrDecode, method, p.address.Hex(), err)
	}
	return vals, nil
}

// Reserves returns reserve0 and reserve1 in raw token units.
func (p *Pair) Reserves(ctx context.Context) (*big.Int, *big.Int, error) {
	vals, err := p.call(ctx, "getReserves")
	if err != nil {
		return nil, nil, err
	}
	if len(vals) < 2 {
		return nil, nil, fmt.Errorf("%w: getReserves returned %d values", ErrDecode, len(vals))
	}
	r0, ok0 := vals[0].(*big.Int)
	r1, ok1 := vals[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("%w: getReserves types %T/%T", ErrDecode, vals[0], vals[1])
	}
	return r0, r1, nil
}

// Token0 returns the address of the pair's first token.
func (p *Pair) Token0(ctx context.Context) (common.Address, error) {
	vals, err := p.call(ctx, "token0")
	if err != nil {
		return common.Address{}, err
	}
	if len(vals) != 1 {
		return common.Address{}, fmt.Errorf("%w: token0 returned %d values", ErrDecode, len(vals))
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: token0 type %T", ErrDecode, vals[0])
	}
	return addr, nil
}

// TotalSupply returns the LP token supply in raw units.
func (p *Pair) TotalSupply(ctx context.Context) (*big.Int, error) {
	return p.uint256(ctx, "totalSupply")
}

// BalanceOf returns owner's LP token balance in raw units.
func (p *Pair) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return p.uint256(ctx, "balanceOf", owner)
}

func (p *Pair) uint256(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	vals, err := p.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%w: %s returned %d values", ErrDecode, method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s type %T", ErrDecode, method, vals[0])
	}
	return v, nil
}

// ToFloat scales a raw integer amount down by 10^decimals.
func ToFloat(v *big.Int, decimals int) float64 {
	if v == nil {
		return 0
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), scale).Float64()
	return f
}
