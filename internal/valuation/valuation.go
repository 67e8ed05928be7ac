// Package valuation holds the pure math for LP positions: impermanent loss,
// LP stake value, fee accrual, net P&L and the LP-vs-hold comparison.
//
// Every function works on explicit inputs only. Callers validate positions
// before getting here; the checks below only stop NaN/Inf from leaking into
// results.
package valuation

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidInput marks a contract violation in calculator inputs.
var ErrInvalidInput = errors.New("invalid input")

// Strategy names reported by CompareStrategies.
const (
	StrategyLP         = "lp"
	StrategyHold       = "hold"
	StrategyEquivalent = "equivalent"
)

// tieEpsilonUSD is the margin under which LP and hold are reported equivalent.
const tieEpsilonUSD = 1e-6

func checkPrice(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return fmt.Errorf("%w: %s must be a positive finite number, got %v", ErrInvalidInput, name, v)
	}
	return nil
}

func checkAmount(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Errorf("%w: %s must be a non-negative finite number, got %v", ErrInvalidInput, name, v)
	}
	return nil
}

// ImpermanentLoss returns the IL fraction (0..1) for a constant-product pool
// whose relative price moved from initialA/initialB to currentA/currentB.
func ImpermanentLoss(initialA, initialB, currentA, currentB float64) (float64, error) {
	for _, p := range []struct {
		name string
		v    float64
	}{
		{"initial price A", initialA},
		{"initial price B", initialB},
		{"current price A", currentA},
		{"current price B", currentB},
	} {
		if err := checkPrice(p.name, p.v); err != nil {
			return 0, err
		}
	}
	r := (currentA / currentB) / (initialA / initialB)
	return ILFromRatio(r)
}

// ILFromRatio computes IL from the price-ratio change r = current/initial.
// r == 0 means one side went to zero and the loss is total.
func ILFromRatio(r float64) (float64, error) {
	if math.IsNaN(r) || r < 0 {
		return 0, fmt.Errorf("%w: price ratio change must be >= 0, got %v", ErrInvalidInput, r)
	}
	if r == 0 {
		return 1.0, nil
	}
	if math.IsInf(r, 1) {
		return 1.0, nil
	}
	il := 2*math.Sqrt(r)/(1+r) - 1
	if il < 0 {
		return math.Min(-il, 1.0), nil
	}
	return 0, nil
}

// PoolShare is what the on-chain reader reports for one wallet in one pool.
type PoolShare struct {
	LPTokensHeld  float64 `json:"lp_tokens_held"`
	TotalLPSupply float64 `json:"total_lp_supply"`
	ReserveA      float64 `json:"reserve_a"`
	ReserveB      float64 `json:"reserve_b"`
}

// LPValue is the decomposed USD value of an LP stake.
type LPValue struct {
	Share    float64 `json:"share"`
	AmountA  float64 `json:"amount_a"`
	AmountB  float64 `json:"amount_b"`
	ValueUSD float64 `json:"value_usd"`
}

// PositionValue values an LP stake from pool reserves. An empty pool
// (zero supply) yields a zero value rather than an error.
func PositionValue(pool PoolShare, priceA, priceB float64) (LPValue, error) {
	if err := checkAmount("lp tokens held", pool.LPTokensHeld); err != nil {
		return LPValue{}, err
	}
	if err := checkAmount("total lp supply", pool.TotalLPSupply); err != nil {
		return LPValue{}, err
	}
	if err := checkAmount("reserve A", pool.ReserveA); err != nil {
		return LPValue{}, err
	}
	if err := checkAmount("reserve B", pool.ReserveB); err != nil {
		return LPValue{}, err
	}
	if err := checkPrice("price A", priceA); err != nil {
		return LPValue{}, err
	}
	if err := checkPrice("price B", priceB); err != nil {
		return LPValue{}, err
	}
	if pool.TotalLPSupply == 0 {
		return LPValue{}, nil
	}

	share := pool.LPTokensHeld / pool.TotalLPSupply
	a := pool.ReserveA * share
	b := pool.ReserveB * share
	return LPValue{
		Share:    share,
		AmountA:  a,
		AmountB:  b,
		ValueUSD: a*priceA + b*priceB,
	}, nil
}

// EstimatedPositionValue is the constant-product value of the stake when no
// reserve data is available: the hold value scaled down by IL.
func EstimatedPositionValue(holdValueUSD, il float64) float64 {
	return holdValueUSD * (1 - il)
}

// HoldValue is what the initial token amounts are worth at current prices.
func HoldValue(amountA, amountB, priceA, priceB float64) float64 {
	return amountA*priceA + amountB*priceB
}

// DaysHeld returns whole days elapsed since entry. If now is before entry the
// result is 0 and anomaly is true.
func DaysHeld(entry, now time.Time) (days int, anomaly bool) {
	if now.Before(entry) {
		return 0, true
	}
	return int(now.Sub(entry) / (24 * time.Hour)), false
}

// FeesEarned estimates fee income from an annual rate expressed as a fraction.
func FeesEarned(initialInvestmentUSD, apr float64, daysHeld int) float64 {
	if daysHeld <= 0 {
		return 0
	}
	return initialInvestmentUSD * (apr / 365) * float64(daysHeld)
}

// PnL is the net profit/loss breakdown of an LP position.
type PnL struct {
	TotalIncomeUSD float64 `json:"total_income_usd"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	NetUSD         float64 `json:"net_usd"`
	NetPercent     float64 `json:"net_percent"`
}

// NetPnL computes (LP value + fees) - (initial investment + gas).
func NetPnL(currentLPValueUSD, feesEarnedUSD, initialInvestmentUSD, gasCostsUSD float64) PnL {
	income := currentLPValueUSD + feesEarnedUSD
	cost := initialInvestmentUSD + gasCostsUSD
	net := income - cost
	var pct float64
	if cost != 0 {
		pct = net / cost
	}
	return PnL{
		TotalIncomeUSD: income,
		TotalCostUSD:   cost,
		NetUSD:         net,
		NetPercent:     pct,
	}
}

// Comparison reports which of LP or hold is ahead and by how much.
type Comparison struct {
	Better    string  `json:"better"`
	MarginUSD float64 `json:"margin_usd"`
}

// CompareStrategies compares LP income against the value of simply holding.
func CompareStrategies(lpIncomeUSD, holdValueUSD float64) Comparison {
	delta := lpIncomeUSD - holdValueUSD
	switch {
	case math.Abs(delta) <= tieEpsilonUSD:
		return Comparison{Better: StrategyEquivalent, MarginUSD: 0}
	case delta > 0:
		return Comparison{Better: StrategyLP, MarginUSD: delta}
	default:
		return Comparison{Better: StrategyHold, MarginUSD: -delta}
	}
}
