package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/web3-frozen/lp-monitor/internal/position"
	"github.com/web3-frozen/lp-monitor/internal/valuation"
)

// ErrNoStake means the position does not say where its stake lives.
var ErrNoStake = errors.New("position has no on-chain stake configured")

// ReserveReader reads pool reserves, LP supply and the wallet's LP balance.
type ReserveReader struct {
	caller ethereum.ContractCaller
	logger *slog.Logger
}

func NewReserveReader(caller ethereum.ContractCaller, logger *slog.Logger) *ReserveReader {
	return &ReserveReader{caller: caller, logger: logger}
}

// ReadPool returns the wallet's share of the pair, with reserves ordered as
// the position's token A / token B.
func (r *ReserveReader) ReadPool(ctx context.Context, p position.Position) (valuation.PoolShare, error) {
	if !p.HasOnChainStake() {
		return valuation.PoolShare{}, ErrNoStake
	}
	if !common.IsHexAddress(p.PairAddress) || !common.IsHexAddress(p.Wallet) {
		return valuation.PoolShare{}, fmt.Errorf("position %s: invalid pair or wallet address", p.Name)
	}
	pair := NewPair(r.caller, common.HexToAddress(p.PairAddress))

	r0, r1, err := pair.Reserves(ctx)
	if err != nil {
		return valuation.PoolShare{}, err
	}
	supply, err := pair.TotalSupply(ctx)
	if err != nil {
		return valuation.PoolShare{}, err
	}
	held, err := pair.BalanceOf(ctx, common.HexToAddress(p.Wallet))
	if err != nil {
		return valuation.PoolShare{}, err
	}

	reserveA, reserveB := r0, r1
	if p.TokenAAddress != "" {
		t0, err := pair.Token0(ctx)
		if err != nil {
			return valuation.PoolShare{}, err
		}
		if t0 != common.HexToAddress(p.TokenAAddress) {
			reserveA, reserveB = r1, r0
		}
	}

	share := valuation.PoolShare{
		LPTokensHeld:  ToFloat(held, p.LPDecimals),
		TotalLPSupply: ToFloat(supply, p.LPDecimals),
		ReserveA:      ToFloat(reserveA, p.DecimalsA),
		ReserveB:      ToFloat(reserveB, p.DecimalsB),
	}
	r.logger.Debug("pool read", "position", p.Name, "pair", p.PairAddress,
		"reserve_a", share.ReserveA, "reserve_b", share.ReserveB, "supply", share.TotalLPSupply)
	return share, nil
}
