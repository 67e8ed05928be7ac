package sources

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/web3-frozen/lp-monitor/internal/chain"
	"github.com/web3-frozen/lp-monitor/internal/pricing"
)

// OnChainPair prices Symbol against a USD stablecoin through a Uniswap-V2 pair.
type OnChainPair struct {
	Symbol         string
	Pair           common.Address
	Token          common.Address
	TokenDecimals  int
	StableDecimals int
}

// ParseOnChainPairs parses a comma separated list of
// SYMBOL:pair:token:tokenDecimals:stableDecimals entries.
func ParseOnChainPairs(s string) ([]OnChainPair, error) {
	var out []OnChainPair
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 5 {
			return nil, fmt.Errorf("onchain pair %q: want SYMBOL:pair:token:decimals:stableDecimals", entry)
		}
		if !common.IsHexAddress(parts[1]) || !common.IsHexAddress(parts[2]) {
			return nil, fmt.Errorf("onchain pair %q: invalid address", entry)
		}
		td, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, fmt.Errorf("onchain pair %q: token decimals: %w", entry, err)
		}
		sd, err := strconv.Atoi(parts[4])
		if err != nil {
			return nil, fmt.Errorf("onchain pair %q: stable decimals: %w", entry, err)
		}
		out = append(out, OnChainPair{
			Symbol:         strings.ToUpper(parts[0]),
			Pair:           common.HexToAddress(parts[1]),
			Token:          common.HexToAddress(parts[2]),
			TokenDecimals:  td,
			StableDecimals: sd,
		})
	}
	return out, nil
}

// OnChain quotes spot prices from pair reserves over JSON-RPC.
type OnChain struct {
	caller ethereum.ContractCaller
	pairs  map[string]OnChainPair
}

func NewOnChain(caller ethereum.ContractCaller, pairs []OnChainPair) *OnChain {
	m := make(map[string]OnChainPair, len(pairs))
	for _, p := range pairs {
		m[strings.ToUpper(p.Symbol)] = p
	}
	return &OnChain{caller: caller, pairs: m}
}

func (o *OnChain) Name() string { return "onchain" }

func (o *OnChain) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	cfg, ok := o.pairs[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("%w: no on-chain pair configured for %s", pricing.ErrNotFound, symbol)
	}
	pair := chain.NewPair(o.caller, cfg.Pair)

	r0, r1, err := pair.Reserves(ctx)
	if err != nil {
		return 0, classifyChainErr(ctx, err)
	}
	t0, err := pair.Token0(ctx)
	if err != nil {
		return 0, classifyChainErr(ctx, err)
	}

	tokenRes, stableRes := r1, r0
	if t0 == cfg.Token {
		tokenRes, stableRes = r0, r1
	}
	if tokenRes.Sign() == 0 {
		return 0, fmt.Errorf("%w: pair %s has empty %s reserve", pricing.ErrInvalidResponse, cfg.Pair.Hex(), cfg.Symbol)
	}

	return chain.ToFloat(stableRes, cfg.StableDecimals) / chain.ToFloat(tokenRes, cfg.TokenDecimals), nil
}

func classifyChainErr(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("onchain: %w", ctx.Err())
	case errors.Is(err, chain.ErrDecode):
		return fmt.Errorf("%w: onchain: %v", pricing.ErrInvalidResponse, err)
	default:
		return fmt.Errorf("%w: onchain: %v", pricing.ErrTransient, err)
	}
}
